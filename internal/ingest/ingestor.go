package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"voicebridge/internal/normalize"
	"voicebridge/internal/records"
	"voicebridge/pkg/logger"
)

var (
	// ErrInvalidPayload: the body is not JSON.
	ErrInvalidPayload = errors.New("ingest: invalid payload")
	// ErrMissingKeys: no call id or no assistant id could be extracted.
	ErrMissingKeys = errors.New("ingest: missing call id or assistant id")
	// ErrUnresolved: the assistant, its client or an active agent is unknown.
	ErrUnresolved = errors.New("ingest: unresolved reference")
)

// Stage is a step of the per-event state machine.
type Stage string

const (
	StageReceived          Stage = "received"
	StageNormalized        Stage = "normalized"
	StageResolved          Stage = "resolved"
	StageAudioMaterialized Stage = "audio_materialized"
	StageAudioSkipped      Stage = "audio_skipped"
	StagePersisted         Stage = "persisted"
)

// StageError is a failure before the event was persisted. Stage is the last
// stage reached.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("ingest: %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Result describes a persisted event.
type Result struct {
	Call    records.CallRecord
	Created bool
	// Audio is StageAudioMaterialized or StageAudioSkipped.
	Audio Stage
}

// AudioMaterializer is the part of audio.Materializer ingestion depends on.
type AudioMaterializer interface {
	Materialize(ctx context.Context, remoteURL, correlationID string) (string, error)
	IsLocal(ref string) bool
	Discard(ref string) error
}

// Ingestor files inbound call events.
//
// Rules:
// - Nothing is written unless every step up to persistence succeeds.
// - Redelivery of an event updates the existing call in place.
// - Audio failures never fail the event; the remote URL is kept instead.
// - A copy downloaded for an event that then fails to persist is removed.
type Ingestor struct {
	normalizer *normalize.Normalizer
	store      records.Store
	audio      AudioMaterializer
	clock      func() time.Time
}

func New(n *normalize.Normalizer, store records.Store, audio AudioMaterializer) *Ingestor {
	if n == nil {
		n = normalize.New(normalize.Tables{})
	}
	return &Ingestor{normalizer: n, store: store, audio: audio, clock: time.Now}
}

// Ingest processes one raw webhook body for provider.
func (in *Ingestor) Ingest(ctx context.Context, provider records.Provider, raw []byte) (Result, error) {
	log := logger.From(ctx).With("provider", provider)

	ev, err := in.normalizer.Normalize(raw)
	if err != nil {
		log.Warn("webhook payload rejected", "err", err)
		return Result{}, &StageError{Stage: StageReceived, Err: fmt.Errorf("%w: %v", ErrInvalidPayload, err)}
	}
	log = log.With("external_call_id", ev.CallID, "assistant_id", ev.AssistantID)
	log.Debug("webhook payload normalized", "event_type", ev.EventType, "resolved_paths", ev.Resolved)

	if ev.CallID == "" || ev.AssistantID == "" {
		log.Warn("webhook payload missing keys")
		return Result{}, &StageError{Stage: StageNormalized, Err: ErrMissingKeys}
	}

	assistant, client, agent, err := in.resolve(ctx, ev.AssistantID)
	if err != nil {
		if errors.Is(err, ErrUnresolved) {
			log.Warn("webhook references unknown entity", "err", err)
		} else {
			log.Error("webhook resolution failed", "err", err)
		}
		return Result{}, &StageError{Stage: StageNormalized, Err: err}
	}

	now := in.clock().UTC()
	rec := records.CallRecord{
		Provider:        provider,
		ExternalCallID:  ev.CallID,
		AssistantID:     assistant.ExternalID,
		ClientID:        client.ID,
		AgentID:         agent.ID,
		StartedAt:       ev.StartedAt,
		EndedAt:         ev.EndedAt,
		DurationSeconds: ev.DurationSeconds,
		Status:          records.NormalizeCallStatus(ev.Status, ev.EndedAt != nil),
		RemoteAudioURL:  ev.AudioURL,
		Transcript:      ev.Transcript,
		Summary:         ev.Summary,
		EndedReason:     ev.EndedReason,
		CustomerNumber:  ev.CustomerNumber,
		RawPayload:      ev.Raw,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	audioStage := StageAudioSkipped
	if ev.AudioURL != "" {
		rec.AudioURL, audioStage = in.materialize(ctx, log, provider, ev)
	}

	out, created, err := in.store.UpsertCall(ctx, rec)
	if err != nil {
		log.Error("persist call record", "err", err)
		if audioStage == StageAudioMaterialized {
			// Nothing references the fresh copy.
			if derr := in.audio.Discard(rec.AudioURL); derr != nil {
				log.Warn("discard orphaned audio", "audio_url", rec.AudioURL, "err", derr)
			}
		}
		return Result{}, &StageError{Stage: audioStage, Err: err}
	}
	log.Info("call record persisted", "call_record_id", out.ID, "created", created, "audio", audioStage)
	return Result{Call: out, Created: created, Audio: audioStage}, nil
}

func (in *Ingestor) resolve(ctx context.Context, assistantID string) (records.AssistantRecord, records.Client, records.Agent, error) {
	var (
		assistant records.AssistantRecord
		client    records.Client
		agent     records.Agent
	)
	unresolved := func(what string, err error) error {
		if errors.Is(err, records.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnresolved, what)
		}
		return err
	}

	assistant, err := in.store.FindAssistant(ctx, assistantID)
	if err != nil {
		return assistant, client, agent, unresolved("assistant "+assistantID, err)
	}
	if assistant.ClientID == "" {
		return assistant, client, agent, fmt.Errorf("%w: assistant %s has no client", ErrUnresolved, assistantID)
	}
	client, err = in.store.FindClient(ctx, assistant.ClientID)
	if err != nil {
		return assistant, client, agent, unresolved("client "+assistant.ClientID, err)
	}
	if !client.Active {
		return assistant, client, agent, fmt.Errorf("%w: client %s is inactive", ErrUnresolved, client.ID)
	}
	agent, err = in.store.FindActiveAgent(ctx, client.ID, assistant.ExternalID)
	if err != nil {
		return assistant, client, agent, unresolved("active agent for client "+client.ID, err)
	}
	return assistant, client, agent, nil
}

// materialize returns the audio reference to store. A stored local copy is
// reused; on download failure the remote URL is kept.
func (in *Ingestor) materialize(ctx context.Context, log *slog.Logger, provider records.Provider, ev normalize.Event) (string, Stage) {
	if in.audio == nil {
		return ev.AudioURL, StageAudioSkipped
	}
	existing, err := in.store.FindCall(ctx, provider, ev.CallID)
	if err == nil && existing.RemoteAudioURL == ev.AudioURL && in.audio.IsLocal(existing.AudioURL) {
		log.Debug("audio already materialized", "audio_url", existing.AudioURL)
		return existing.AudioURL, StageAudioSkipped
	}

	ref, err := in.audio.Materialize(ctx, ev.AudioURL, ev.CallID)
	if err != nil {
		log.Warn("audio materialization failed, keeping remote url", "err", err)
		return ev.AudioURL, StageAudioSkipped
	}
	return ref, StageAudioMaterialized
}
