package records

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("records: not found")
	ErrInvalidArgument = errors.New("records: invalid argument")
)

// Store is the persistence contract used by sync and webhook ingestion.
//
// Rules:
// - UpsertAssistants is all-or-nothing: one storage call, one transaction.
// - UpsertCall is atomic with respect to (provider, external_call_id); callers
//   never compose find + insert/update themselves.
type Store interface {
	FindAssistant(ctx context.Context, externalID string) (AssistantRecord, error)
	FindAssistants(ctx context.Context, externalIDs []string) (map[string]AssistantRecord, error)
	UpsertAssistants(ctx context.Context, recs []AssistantRecord) error

	FindClient(ctx context.Context, clientID string) (Client, error)
	FindActiveAgent(ctx context.Context, clientID, assistantID string) (Agent, error)

	FindCall(ctx context.Context, provider Provider, externalCallID string) (CallRecord, error)
	// UpsertCall inserts rec or merges it into the existing row (see MergeCall).
	// created is true when a new row was inserted.
	UpsertCall(ctx context.Context, rec CallRecord) (out CallRecord, created bool, err error)
}

func validateCall(rec CallRecord) error {
	if rec.Provider == "" || rec.ExternalCallID == "" {
		return ErrInvalidArgument
	}
	return nil
}
