package normalize

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNormalize_FlatAndNestedIDsAgree(t *testing.T) {
	n := New(Tables{})

	flat, err := n.Normalize([]byte(`{"call_id":"abc","assistant_id":"x"}`))
	require.NoError(t, err)
	nested, err := n.Normalize([]byte(`{"call":{"id":"abc"},"assistant":{"id":"x"}}`))
	require.NoError(t, err)

	for _, ev := range []Event{flat, nested} {
		assert.Equal(t, "abc", ev.CallID)
		assert.Equal(t, "x", ev.AssistantID)
	}
	assert.Equal(t, "call_id", flat.Resolved[FieldCallID])
	assert.Equal(t, "call.id", nested.Resolved[FieldCallID])
}

func TestNormalize_SkipsNullAndNonScalarCandidates(t *testing.T) {
	n := New(Tables{})
	ev, err := n.Normalize([]byte(`{"call":{"id":null},"callId":{"nested":true},"id":"  ","session_id":42,"assistantId":"a1"}`))
	require.NoError(t, err)
	assert.Equal(t, "42", ev.CallID)
	assert.Equal(t, "session_id", ev.Resolved[FieldCallID])
}

func TestNormalize_SynthesizesTranscriptFromMessages(t *testing.T) {
	n := New(Tables{})
	ev, err := n.Normalize([]byte(`{
		"callId": "c1",
		"messages": [
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello"}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "user: hi\nassistant: hello", ev.Transcript)
	assert.Len(t, ev.Messages, 2)
}

func TestNormalize_MessageKeyConventions(t *testing.T) {
	n := New(Tables{})
	ev, err := n.Normalize([]byte(`{
		"artifact": {"messages": [
			{"speaker": "agent", "text": "Good morning"},
			{"isUser": true, "message": "I need a table"},
			{"is_user": false, "content": "For how many?"},
			{"content": "   "},
			{"content": "mystery"},
			"not an object"
		]}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "agent: Good morning\nuser: I need a table\nassistant: For how many?\nunknown: mystery", ev.Transcript)
}

func TestNormalize_ExplicitTranscriptWins(t *testing.T) {
	n := New(Tables{})
	ev, err := n.Normalize([]byte(`{"transcript":"AI: hi","messages":[{"role":"user","content":"x"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "AI: hi", ev.Transcript)
}

func TestNormalize_TranscriptArrayIsTreatedAsMessages(t *testing.T) {
	n := New(Tables{})
	ev, err := n.Normalize([]byte(`{"call":{"call_id":"r1","transcript":[{"role":"agent","content":"Hello"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, "agent: Hello", ev.Transcript)
}

func TestNormalize_RetellShape(t *testing.T) {
	n := New(Tables{})
	ev, err := n.Normalize([]byte(`{
		"event": "call_analyzed",
		"call": {
			"call_id": "rc-1",
			"agent_id": "ag-9",
			"call_status": "ended",
			"start_timestamp": 1714608475945,
			"end_timestamp": 1714608491736,
			"recording_url": "https://cdn.example.com/r/rc-1.wav",
			"disconnection_reason": "user_hangup",
			"from_number": "+15550001111",
			"call_analysis": {"call_summary": "Short call"}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "rc-1", ev.CallID)
	assert.Equal(t, "ag-9", ev.AssistantID)
	assert.Equal(t, "ended", ev.Status)
	assert.Equal(t, "https://cdn.example.com/r/rc-1.wav", ev.AudioURL)
	assert.Equal(t, "user_hangup", ev.EndedReason)
	assert.Equal(t, "+15550001111", ev.CustomerNumber)
	assert.Equal(t, "Short call", ev.Summary)
	assert.Equal(t, "call_analyzed", ev.EventType)
	require.NotNil(t, ev.StartedAt)
	assert.Equal(t, int64(1714608475945), ev.StartedAt.UnixMilli())
	assert.Equal(t, 16, ev.DurationSeconds)
}

func TestNormalize_VapiEndOfCallReport(t *testing.T) {
	n := New(Tables{})
	ev, err := n.Normalize([]byte(`{
		"message": {
			"type": "end-of-call-report",
			"startedAt": "2026-05-01T10:00:00.000Z",
			"endedAt": "2026-05-01T10:01:30.000Z",
			"endedReason": "customer-ended-call",
			"recordingUrl": "https://storage.vapi.ai/rec.mp3",
			"call": {"id": "vc-1", "assistantId": "va-1", "status": "ended"},
			"artifact": {"messages": [{"role": "bot", "message": "Hi there"}]}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "vc-1", ev.CallID)
	assert.Equal(t, "va-1", ev.AssistantID)
	assert.Equal(t, "end-of-call-report", ev.EventType)
	assert.Equal(t, 90, ev.DurationSeconds)
	assert.Equal(t, "bot: Hi there", ev.Transcript)
	assert.Equal(t, "https://storage.vapi.ai/rec.mp3", ev.AudioURL)
}

func TestNormalize_KeepsRawAndToleratesJunk(t *testing.T) {
	n := New(Tables{})
	raw := `{"startedAt":"yesterday-ish","duration":"n/a","status":null}`
	ev, err := n.Normalize([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, ev.Raw)
	assert.Nil(t, ev.StartedAt)
	assert.Zero(t, ev.DurationSeconds)
	assert.Empty(t, ev.Status)
	assert.Empty(t, ev.CallID)
}

func TestNormalize_InvalidJSON(t *testing.T) {
	n := New(Tables{})
	_, err := n.Normalize([]byte(`{"call":`))
	require.ErrorIs(t, err, ErrInvalidJSON)
	_, err = n.Normalize(nil)
	require.ErrorIs(t, err, ErrInvalidJSON)
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	cases := []string{
		`1777629600`,
		`"1777629600"`,
		`1777629600000`,
		`"1777629600000"`,
		`"2026-05-01T10:00:00Z"`,
		`"2026-05-01T12:00:00+02:00"`,
		`"2026-05-01T10:00:00.000Z"`,
		`"2026-05-01 10:00:00"`,
	}
	for _, c := range cases {
		got := ParseTimestamp(gjson.Parse(c))
		require.NotNil(t, got, c)
		assert.True(t, got.Equal(want), "%s parsed as %v", c, got)
	}

	for _, c := range []string{`"soon"`, `null`, `true`, `0`, `-5`, `{}`, `"1e30"`, `1e25`, `253402300800000`} {
		assert.Nil(t, ParseTimestamp(gjson.Parse(c)), c)
	}

	last := ParseTimestamp(gjson.Parse(`253402300799999`))
	require.NotNil(t, last)
	assert.Equal(t, 9999, last.Year())
}

func TestNormalize_OutOfRangeNumbersAreDropped(t *testing.T) {
	n := New(Tables{})
	ev, err := n.Normalize([]byte(`{"call_id":"c1","assistant_id":"a1","startedAt":"1e30","endedAt":1e25,"durationSeconds":1e30}`))
	require.NoError(t, err)

	assert.Equal(t, "c1", ev.CallID)
	assert.Nil(t, ev.StartedAt)
	assert.Nil(t, ev.EndedAt)
	assert.Zero(t, ev.DurationSeconds)
	assert.NotContains(t, ev.Resolved, FieldStartedAt)
	assert.NotContains(t, ev.Resolved, FieldDuration)

	ev, err = n.Normalize([]byte(`{"call_id":"c1","assistant_id":"a1","durationSeconds":"3000000000"}`))
	require.NoError(t, err)
	assert.Zero(t, ev.DurationSeconds)
}

func TestLoadTables_OverridesOneField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "paths.yaml")
	require.NoError(t, os.WriteFile(path, []byte("call:\n  call_id: [data.ref]\n"), 0o644))

	tables, err := LoadTables(path)
	require.NoError(t, err)
	n := New(tables)

	ev, err := n.Normalize([]byte(`{"data":{"ref":"custom-1"},"call_id":"ignored","assistantId":"a"}`))
	require.NoError(t, err)
	assert.Equal(t, "custom-1", ev.CallID)
	assert.Equal(t, "a", ev.AssistantID)
	assert.Equal(t, []string{"data.ref"}, n.Paths(KindCall)[FieldCallID])
	assert.Equal(t, DefaultAssistantPaths(), n.Paths(KindAssistant))
}

func TestLoadTables_Errors(t *testing.T) {
	_, err := LoadTables(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("assistant:\n  voice_id: []\n"), 0o644))
	_, err = LoadTables(path)
	require.Error(t, err)
}
