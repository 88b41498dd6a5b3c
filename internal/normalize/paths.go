package normalize

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind selects a path table.
type Kind string

const (
	KindCall      Kind = "call"
	KindAssistant Kind = "assistant"
)

// Field is a logical field extracted from a provider payload.
type Field string

// Call event fields.
const (
	FieldCallID         Field = "call_id"
	FieldAssistantID    Field = "assistant_id"
	FieldStartedAt      Field = "started_at"
	FieldEndedAt        Field = "ended_at"
	FieldStatus         Field = "status"
	FieldAudioURL       Field = "audio_url"
	FieldTranscript     Field = "transcript"
	FieldMessages       Field = "messages"
	FieldDuration       Field = "duration"
	FieldSummary        Field = "summary"
	FieldEndedReason    Field = "ended_reason"
	FieldCustomerNumber Field = "customer_number"
	FieldEventType      Field = "event_type"
)

// Assistant listing item fields.
const (
	FieldExternalID          Field = "external_id"
	FieldName                Field = "name"
	FieldAssistantStatus     Field = "assistant_status"
	FieldVoiceProvider       Field = "voice_provider"
	FieldVoiceID             Field = "voice_id"
	FieldModelProvider       Field = "model_provider"
	FieldModel               Field = "model"
	FieldTranscriberProvider Field = "transcriber_provider"
	FieldTranscriberModel    Field = "transcriber_model"
	FieldLanguage            Field = "language"
	FieldFirstMessage        Field = "first_message"
)

// PathTable maps each logical field to candidate gjson paths, tried in order.
type PathTable map[Field][]string

func (t PathTable) clone() PathTable {
	out := make(PathTable, len(t))
	for f, paths := range t {
		out[f] = append([]string(nil), paths...)
	}
	return out
}

// DefaultCallPaths covers the payload shapes seen across provider API
// versions: Vapi end-of-call reports (wrapped in "message" or not), Retell
// call events, and flat legacy bodies.
func DefaultCallPaths() PathTable {
	return PathTable{
		FieldCallID: {
			"call.id", "message.call.id", "call.call_id", "callId",
			"id", "call_id", "session_id", "sessionId",
		},
		FieldAssistantID: {
			"assistant.id", "message.assistant.id", "call.assistantId", "message.call.assistantId",
			"assistantId", "assistant_id", "call.agent_id", "agent_id", "agentId",
		},
		FieldStartedAt: {
			"call.startedAt", "message.startedAt", "message.call.startedAt", "startedAt",
			"started_at", "call.start_timestamp", "start_timestamp", "startTime", "start_time",
		},
		FieldEndedAt: {
			"call.endedAt", "message.endedAt", "message.call.endedAt", "endedAt",
			"ended_at", "call.end_timestamp", "end_timestamp", "endTime", "end_time",
		},
		FieldStatus: {
			"call.status", "message.call.status", "call.call_status", "status", "call_status", "message.status",
		},
		FieldAudioURL: {
			"message.recordingUrl", "message.artifact.recordingUrl", "artifact.recordingUrl",
			"call.recordingUrl", "call.recording_url", "recordingUrl", "recording_url",
			"audioUrl", "audio_url", "stereoRecordingUrl", "message.stereoRecordingUrl",
		},
		FieldTranscript: {
			"message.transcript", "message.artifact.transcript", "artifact.transcript",
			"call.transcript", "transcript",
		},
		FieldMessages: {
			"message.artifact.messages", "artifact.messages", "message.messages",
			"call.transcript_object", "transcript_object", "messages",
		},
		FieldDuration: {
			"message.durationSeconds", "durationSeconds", "duration_seconds",
			"call.duration", "duration",
		},
		FieldSummary: {
			"message.analysis.summary", "analysis.summary", "call.call_analysis.call_summary",
			"call_analysis.call_summary", "summary",
		},
		FieldEndedReason: {
			"message.endedReason", "call.endedReason", "endedReason",
			"call.disconnection_reason", "disconnection_reason", "ended_reason",
		},
		FieldCustomerNumber: {
			"message.customer.number", "call.customer.number", "customer.number",
			"call.from_number", "from_number", "customer_number",
		},
		FieldEventType: {
			"message.type", "event", "type",
		},
	}
}

// DefaultAssistantPaths covers Vapi assistants and Retell agents.
func DefaultAssistantPaths() PathTable {
	return PathTable{
		FieldExternalID:          {"id", "assistantId", "assistant_id", "agent_id", "agentId"},
		FieldName:                {"name", "agent_name"},
		FieldAssistantStatus:     {"status"},
		FieldVoiceProvider:       {"voice.provider", "voice_provider"},
		FieldVoiceID:             {"voice.voiceId", "voice.voice_id", "voiceId", "voice_id"},
		FieldModelProvider:       {"model.provider", "response_engine.type", "model_provider"},
		FieldModel:               {"model.model", "response_engine.llm_id", "llm_model"},
		FieldTranscriberProvider: {"transcriber.provider", "stt_provider"},
		FieldTranscriberModel:    {"transcriber.model", "stt_model"},
		FieldLanguage:            {"transcriber.language", "language"},
		FieldFirstMessage:        {"firstMessage", "first_message", "begin_message"},
	}
}

// Tables is the on-disk override format:
//
//	call:
//	  call_id: [call.id, data.callId]
//	assistant:
//	  voice_id: [voice.voiceId]
//
// A listed field replaces that field's default candidates; unlisted fields
// keep their defaults.
type Tables struct {
	Call      PathTable `yaml:"call"`
	Assistant PathTable `yaml:"assistant"`
}

// LoadTables reads a YAML override file.
func LoadTables(path string) (Tables, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("normalize: read paths file: %w", err)
	}
	var t Tables
	if err := yaml.Unmarshal(b, &t); err != nil {
		return Tables{}, fmt.Errorf("normalize: parse paths file: %w", err)
	}
	for _, table := range []PathTable{t.Call, t.Assistant} {
		for f, paths := range table {
			if len(paths) == 0 {
				return Tables{}, fmt.Errorf("normalize: field %q has no paths", f)
			}
		}
	}
	return t, nil
}

func overlay(base, over PathTable) PathTable {
	out := base.clone()
	for f, paths := range over {
		out[f] = append([]string(nil), paths...)
	}
	return out
}
