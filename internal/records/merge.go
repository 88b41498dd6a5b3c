package records

import "time"

// Merge applies a provider listing item onto the stored record (nil when the
// id is new) and returns the result. Only fields the item explicitly supplies
// overwrite; everything else keeps its stored value. Merge never mutates
// existing, so callers can safely recompute it on every retry attempt.
func Merge(existing *AssistantRecord, incoming AssistantPatch, provider Provider, now time.Time) AssistantRecord {
	var out AssistantRecord
	if existing != nil {
		out = *existing
	} else {
		out = AssistantRecord{
			ExternalID: incoming.ExternalID,
			Status:     defaultAssistantStatus,
			CreatedAt:  now,
		}
	}
	out.Provider = provider

	apply(&out.Name, incoming.Name)
	apply(&out.Status, incoming.Status)
	apply(&out.VoiceProvider, incoming.VoiceProvider)
	apply(&out.VoiceID, incoming.VoiceID)
	apply(&out.ModelProvider, incoming.ModelProvider)
	apply(&out.Model, incoming.Model)
	apply(&out.TranscriberProvider, incoming.TranscriberProvider)
	apply(&out.TranscriberModel, incoming.TranscriberModel)
	apply(&out.Language, incoming.Language)
	apply(&out.FirstMessage, incoming.FirstMessage)

	synced := now
	out.LastSyncedAt = &synced
	out.SyncStatus = SyncStatusSynced
	out.UpdatedAt = now
	return out
}

func apply(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// MergeCall folds a re-delivered call event into the stored row. Identity and
// creation time are kept; empty incoming values keep the stored ones; the raw
// payload is always replaced by the latest delivery.
func MergeCall(existing, incoming CallRecord) CallRecord {
	out := existing
	keep := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	keep(&out.AssistantID, incoming.AssistantID)
	keep(&out.ClientID, incoming.ClientID)
	keep(&out.AgentID, incoming.AgentID)
	keep(&out.AudioURL, incoming.AudioURL)
	keep(&out.RemoteAudioURL, incoming.RemoteAudioURL)
	keep(&out.Transcript, incoming.Transcript)
	keep(&out.Summary, incoming.Summary)
	keep(&out.EndedReason, incoming.EndedReason)
	keep(&out.CustomerNumber, incoming.CustomerNumber)
	if incoming.StartedAt != nil {
		out.StartedAt = incoming.StartedAt
	}
	if incoming.EndedAt != nil {
		out.EndedAt = incoming.EndedAt
	}
	if incoming.DurationSeconds > 0 {
		out.DurationSeconds = incoming.DurationSeconds
	}
	if incoming.Status != "" && incoming.Status != CallStatusUnknown {
		out.Status = incoming.Status
	}
	out.RawPayload = incoming.RawPayload
	out.UpdatedAt = incoming.UpdatedAt
	return out
}
