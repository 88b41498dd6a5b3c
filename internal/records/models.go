package records

import (
	"strings"
	"time"
)

// Provider identifies an external voice-assistant platform.
type Provider string

const (
	ProviderVapi   Provider = "vapi"
	ProviderRetell Provider = "retell"
)

// ParseProvider maps a path segment or flag value to a known provider.
func ParseProvider(s string) (Provider, bool) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case ProviderVapi:
		return ProviderVapi, true
	case ProviderRetell:
		return ProviderRetell, true
	default:
		return "", false
	}
}

// AssistantRecord is the local copy of a provider assistant.
//
// Invariant: at most one record per ExternalID. Sync only ever writes through
// Merge, so fields the provider stops reporting keep their last known value.
// ClientID is owned locally (assigned by the CRUD layer) and never written by sync.
type AssistantRecord struct {
	ExternalID string   `json:"external_id" db:"external_id"`
	Provider   Provider `json:"provider" db:"provider"`
	ClientID   string   `json:"client_id,omitempty" db:"client_id"`

	Name   string `json:"name" db:"name"`
	Status string `json:"status" db:"status"`

	VoiceProvider       string `json:"voice_provider,omitempty" db:"voice_provider"`
	VoiceID             string `json:"voice_id,omitempty" db:"voice_id"`
	ModelProvider       string `json:"model_provider,omitempty" db:"model_provider"`
	Model               string `json:"model,omitempty" db:"model"`
	TranscriberProvider string `json:"transcriber_provider,omitempty" db:"transcriber_provider"`
	TranscriberModel    string `json:"transcriber_model,omitempty" db:"transcriber_model"`
	Language            string `json:"language,omitempty" db:"language"`
	FirstMessage        string `json:"first_message,omitempty" db:"first_message"`

	LastSyncedAt *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`
	SyncStatus   SyncStatus `json:"sync_status" db:"sync_status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type SyncStatus string

const (
	SyncStatusSynced SyncStatus = "synced"
	SyncStatusLocal  SyncStatus = "local"
)

const defaultAssistantStatus = "active"

// AssistantPatch is one item of a provider listing. A nil field means the
// provider did not supply a value (absent or JSON null).
type AssistantPatch struct {
	ExternalID string

	Name                *string
	Status              *string
	VoiceProvider       *string
	VoiceID             *string
	ModelProvider       *string
	Model               *string
	TranscriberProvider *string
	TranscriberModel    *string
	Language            *string
	FirstMessage        *string
}

// Client is the local tenant an assistant's calls are filed under.
type Client struct {
	ID     string `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	Active bool   `json:"active" db:"active"`
}

// Agent is a local operator seat owned by a client.
type Agent struct {
	ID       string `json:"id" db:"id"`
	ClientID string `json:"client_id" db:"client_id"`
	Name     string `json:"name" db:"name"`

	// AssistantID optionally pins the agent to one assistant; resolution
	// prefers a pinned agent over any other active agent of the client.
	AssistantID string      `json:"assistant_id,omitempty" db:"assistant_id"`
	Status      AgentStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
)

// CallRecord is one completed provider call.
//
// Invariant: exactly one row per (Provider, ExternalCallID).
type CallRecord struct {
	ID             string   `json:"id" db:"id"`
	Provider       Provider `json:"provider" db:"provider"`
	ExternalCallID string   `json:"external_call_id" db:"external_call_id"`

	AssistantID string `json:"assistant_id" db:"assistant_id"`
	ClientID    string `json:"client_id" db:"client_id"`
	AgentID     string `json:"agent_id" db:"agent_id"`

	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds int        `json:"duration_seconds" db:"duration_seconds"`

	Status CallStatus `json:"status" db:"status"`

	// AudioURL is the local reference after materialization, or the remote
	// URL when materialization failed. RemoteAudioURL is always the original.
	AudioURL       string `json:"audio_url,omitempty" db:"audio_url"`
	RemoteAudioURL string `json:"remote_audio_url,omitempty" db:"remote_audio_url"`

	Transcript     string `json:"transcript,omitempty" db:"transcript"`
	Summary        string `json:"summary,omitempty" db:"summary"`
	EndedReason    string `json:"ended_reason,omitempty" db:"ended_reason"`
	CustomerNumber string `json:"customer_number,omitempty" db:"customer_number"`

	// RawPayload is the latest delivery, verbatim.
	RawPayload string `json:"raw_payload" db:"raw_payload"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
	CallStatusNoAnswer   CallStatus = "no_answer"
	CallStatusBusy       CallStatus = "busy"
	CallStatusCanceled   CallStatus = "canceled"
	CallStatusUnknown    CallStatus = "unknown"
)

// NormalizeCallStatus maps provider status vocabularies onto CallStatus.
// ended reports whether the event carried an end time; a finished call with
// no status is filed as completed.
func NormalizeCallStatus(raw string, ended bool) CallStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	switch s {
	case "":
		if ended {
			return CallStatusCompleted
		}
		return CallStatusUnknown
	case "queued", "registered", "scheduled":
		return CallStatusQueued
	case "ringing":
		return CallStatusRinging
	case "in_progress", "ongoing", "active", "forwarding":
		return CallStatusInProgress
	case "ended", "completed", "complete", "call_ended", "call_analyzed", "done":
		return CallStatusCompleted
	case "failed", "error":
		return CallStatusFailed
	case "no_answer", "noanswer", "not_connected":
		return CallStatusNoAnswer
	case "busy":
		return CallStatusBusy
	case "canceled", "cancelled":
		return CallStatusCanceled
	default:
		if ended {
			return CallStatusCompleted
		}
		return CallStatusUnknown
	}
}
