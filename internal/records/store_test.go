package records

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicebridge/pkg/utils"
)

// fixture seeds the collaborator tables a Store reads but never writes.
type fixture interface {
	Store
	seedClient(t *testing.T, c Client)
	seedAgent(t *testing.T, a Agent)
	assignClient(t *testing.T, externalID, clientID string)
	callCount(t *testing.T) int
}

type memoryFixture struct{ *MemoryStore }

func (f memoryFixture) seedClient(t *testing.T, c Client) { f.PutClient(c) }
func (f memoryFixture) seedAgent(t *testing.T, a Agent)   { f.PutAgent(a) }
func (f memoryFixture) assignClient(t *testing.T, externalID, clientID string) {
	a, err := f.FindAssistant(context.Background(), externalID)
	require.NoError(t, err)
	a.ClientID = clientID
	f.PutAssistant(a)
}
func (f memoryFixture) callCount(t *testing.T) int { return f.CallCount() }

type sqlFixture struct {
	*SQLStore
	db *sql.DB
}

func (f sqlFixture) seedClient(t *testing.T, c Client) {
	require.NoError(t, f.UpsertClient(context.Background(), c))
}
func (f sqlFixture) seedAgent(t *testing.T, a Agent) {
	require.NoError(t, f.UpsertAgent(context.Background(), a))
}
func (f sqlFixture) assignClient(t *testing.T, externalID, clientID string) {
	require.NoError(t, f.AssignClient(context.Background(), externalID, clientID))
}
func (f sqlFixture) callCount(t *testing.T) int {
	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM call_records`).Scan(&n))
	return n
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "records.db") + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := utils.OpenDB(context.Background(), "sqlite3", dsn, utils.PoolConfig{MaxOpenConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(context.Background(), db, "sqlite"))
	return db
}

func eachStore(t *testing.T, fn func(t *testing.T, f fixture)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, memoryFixture{NewMemoryStore()})
	})
	t.Run("sqlite", func(t *testing.T) {
		db := openSQLite(t)
		fn(t, sqlFixture{SQLStore: NewSQLStore(db), db: db})
	})
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openSQLite(t)
	require.NoError(t, Migrate(context.Background(), db, "sqlite"))
}

func TestStore_UpsertAssistantsKeepsClientAndCreatedAt(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		first := Merge(nil, AssistantPatch{ExternalID: "a1", Name: str("One"), VoiceID: str("v1")}, ProviderVapi, t0)
		require.NoError(t, f.UpsertAssistants(ctx, []AssistantRecord{first}))

		f.seedClient(t, Client{ID: "c1", Name: "Acme", Active: true})
		f.assignClient(t, "a1", "c1")

		stored, err := f.FindAssistant(ctx, "a1")
		require.NoError(t, err)
		t1 := t0.Add(time.Hour)
		second := Merge(&stored, AssistantPatch{ExternalID: "a1", Name: str("Renamed")}, ProviderVapi, t1)
		second.ClientID = ""
		second.CreatedAt = t1
		require.NoError(t, f.UpsertAssistants(ctx, []AssistantRecord{second}))

		got, err := f.FindAssistant(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Name)
		assert.Equal(t, "v1", got.VoiceID)
		assert.Equal(t, "c1", got.ClientID)
		assert.True(t, got.CreatedAt.Equal(t0), "created_at changed: %v", got.CreatedAt)
		require.NotNil(t, got.LastSyncedAt)
		assert.True(t, got.LastSyncedAt.Equal(t1))
		assert.Equal(t, SyncStatusSynced, got.SyncStatus)
	})
}

func TestStore_UpsertAssistantsRejectsMissingID(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		ok := Merge(nil, AssistantPatch{ExternalID: "a1"}, ProviderVapi, time.Now())
		err := f.UpsertAssistants(ctx, []AssistantRecord{ok, {}})
		require.ErrorIs(t, err, ErrInvalidArgument)

		_, err = f.FindAssistant(ctx, "a1")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_FindAssistantsBatch(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		now := time.Now().UTC()
		var recs []AssistantRecord
		for _, id := range []string{"a1", "a2", "a3"} {
			recs = append(recs, Merge(nil, AssistantPatch{ExternalID: id}, ProviderRetell, now))
		}
		require.NoError(t, f.UpsertAssistants(ctx, recs))

		got, err := f.FindAssistants(ctx, []string{"a1", "a3", "missing"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
		assert.Contains(t, got, "a1")
		assert.Contains(t, got, "a3")

		empty, err := f.FindAssistants(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStore_FindActiveAgentPrefersPinned(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
		f.seedClient(t, Client{ID: "c1", Active: true})
		f.seedAgent(t, Agent{ID: "ag-old", ClientID: "c1", Status: AgentStatusActive, CreatedAt: base})
		f.seedAgent(t, Agent{ID: "ag-off", ClientID: "c1", Status: AgentStatusInactive, AssistantID: "a9", CreatedAt: base})
		f.seedAgent(t, Agent{ID: "ag-pin", ClientID: "c1", Status: AgentStatusActive, AssistantID: "a1", CreatedAt: base.Add(time.Hour)})

		got, err := f.FindActiveAgent(ctx, "c1", "a1")
		require.NoError(t, err)
		assert.Equal(t, "ag-pin", got.ID)

		got, err = f.FindActiveAgent(ctx, "c1", "a9")
		require.NoError(t, err)
		assert.Equal(t, "ag-old", got.ID)

		_, err = f.FindActiveAgent(ctx, "c2", "a1")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_UpsertCallCreatesThenMerges(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		ended := started.Add(2 * time.Minute)

		first, created, err := f.UpsertCall(ctx, CallRecord{
			Provider:        ProviderVapi,
			ExternalCallID:  "call-1",
			AssistantID:     "a1",
			ClientID:        "c1",
			AgentID:         "ag1",
			StartedAt:       &started,
			EndedAt:         &ended,
			DurationSeconds: 120,
			Status:          CallStatusCompleted,
			Transcript:      "user: hello",
			RawPayload:      `{"n":1}`,
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEmpty(t, first.ID)

		second, created, err := f.UpsertCall(ctx, CallRecord{
			Provider:       ProviderVapi,
			ExternalCallID: "call-1",
			AssistantID:    "a1",
			ClientID:       "c1",
			AgentID:        "ag1",
			Summary:        "Caller said hello",
			RawPayload:     `{"n":2}`,
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "user: hello", second.Transcript)
		assert.Equal(t, "Caller said hello", second.Summary)
		assert.Equal(t, CallStatusCompleted, second.Status)
		assert.Equal(t, 120, second.DurationSeconds)
		assert.Equal(t, `{"n":2}`, second.RawPayload)
		require.NotNil(t, second.EndedAt)
		assert.True(t, second.EndedAt.Equal(ended))
		assert.Equal(t, 1, f.callCount(t))

		found, err := f.FindCall(ctx, ProviderVapi, "call-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)

		// Same external id under another provider is a different call.
		_, created, err = f.UpsertCall(ctx, CallRecord{Provider: ProviderRetell, ExternalCallID: "call-1", RawPayload: "{}"})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, 2, f.callCount(t))
	})
}

func TestStore_UpsertCallConcurrentDeliveries(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		const n = 8

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			creates int
			errs    []error
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, created, err := f.UpsertCall(ctx, CallRecord{
					Provider:       ProviderVapi,
					ExternalCallID: "call-race",
					RawPayload:     "{}",
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
				}
				if created {
					creates++
				}
			}()
		}
		wg.Wait()

		require.Empty(t, errs)
		assert.Equal(t, 1, creates)
		assert.Equal(t, 1, f.callCount(t))
	})
}

func TestStore_UpsertCallValidates(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		_, _, err := f.UpsertCall(context.Background(), CallRecord{Provider: ProviderVapi})
		require.True(t, errors.Is(err, ErrInvalidArgument))
	})
}

func TestStore_FindMissing(t *testing.T) {
	eachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		_, err := f.FindClient(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = f.FindCall(ctx, ProviderVapi, "nope")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = f.FindAssistant(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})
}
