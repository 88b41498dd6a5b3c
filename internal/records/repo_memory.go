package records

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and early development.
// A single mutex makes every operation, including UpsertCall, atomic.
type MemoryStore struct {
	mu sync.Mutex

	assistants map[string]AssistantRecord
	clients    map[string]Client
	agents     map[string]Agent
	calls      map[callKey]CallRecord

	// FailUpsertAssistants, when set, is returned by UpsertAssistants.
	FailUpsertAssistants error
}

type callKey struct {
	provider Provider
	id       string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assistants: map[string]AssistantRecord{},
		clients:    map[string]Client{},
		agents:     map[string]Agent{},
		calls:      map[callKey]CallRecord{},
	}
}

func (s *MemoryStore) FindAssistant(ctx context.Context, externalID string) (AssistantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assistants[externalID]
	if !ok {
		return AssistantRecord{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) FindAssistants(ctx context.Context, externalIDs []string) (map[string]AssistantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]AssistantRecord, len(externalIDs))
	for _, id := range externalIDs {
		if a, ok := s.assistants[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertAssistants(ctx context.Context, recs []AssistantRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpsertAssistants != nil {
		return s.FailUpsertAssistants
	}
	for _, r := range recs {
		if r.ExternalID == "" {
			return ErrInvalidArgument
		}
	}
	for _, r := range recs {
		if prev, ok := s.assistants[r.ExternalID]; ok {
			r.ClientID = prev.ClientID
			r.CreatedAt = prev.CreatedAt
		}
		s.assistants[r.ExternalID] = r
	}
	return nil
}

// Assistants returns every stored assistant ordered by external id.
func (s *MemoryStore) Assistants() []AssistantRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AssistantRecord, 0, len(s.assistants))
	for _, a := range s.assistants {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

// PutAssistant stores a as-is, including ClientID. Stands in for the CRUD layer.
func (s *MemoryStore) PutAssistant(a AssistantRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assistants[a.ExternalID] = a
}

func (s *MemoryStore) PutClient(c Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
}

func (s *MemoryStore) PutAgent(a Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
}

func (s *MemoryStore) FindClient(ctx context.Context, clientID string) (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	if !ok {
		return Client{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) FindActiveAgent(ctx context.Context, clientID, assistantID string) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []Agent
	for _, a := range s.agents {
		if a.ClientID == clientID && a.Status == AgentStatusActive {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return Agent{}, ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi := assistantID != "" && candidates[i].AssistantID == assistantID
		pj := assistantID != "" && candidates[j].AssistantID == assistantID
		if pi != pj {
			return pi
		}
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], nil
}

func (s *MemoryStore) FindCall(ctx context.Context, provider Provider, externalCallID string) (CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callKey{provider, externalCallID}]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) UpsertCall(ctx context.Context, rec CallRecord) (CallRecord, bool, error) {
	if err := validateCall(rec); err != nil {
		return CallRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	key := callKey{rec.Provider, rec.ExternalCallID}
	if existing, ok := s.calls[key]; ok {
		merged := MergeCall(existing, rec)
		s.calls[key] = merged
		return merged, false, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	if rec.Status == "" {
		rec.Status = CallStatusUnknown
	}
	s.calls[key] = rec
	return rec, true, nil
}

// CallCount returns how many call rows are stored.
func (s *MemoryStore) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
