package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestAssistantPatch_Vapi(t *testing.T) {
	n := New(Tables{})
	p := n.AssistantPatch(gjson.Parse(`{
		"id": "va-1",
		"name": "Reception",
		"voice": {"provider": "11labs", "voiceId": "v1"},
		"model": {"provider": "openai", "model": "gpt-4o"},
		"transcriber": {"provider": "deepgram", "model": "nova-2", "language": "en"},
		"firstMessage": "Hello!"
	}`))

	assert.Equal(t, "va-1", p.ExternalID)
	require.NotNil(t, p.VoiceID)
	assert.Equal(t, "v1", *p.VoiceID)
	require.NotNil(t, p.Model)
	assert.Equal(t, "gpt-4o", *p.Model)
	require.NotNil(t, p.Language)
	assert.Equal(t, "en", *p.Language)
	assert.Nil(t, p.Status)
}

func TestAssistantPatch_NullAndAbsentStayNil(t *testing.T) {
	n := New(Tables{})
	p := n.AssistantPatch(gjson.Parse(`{"agent_id":"ag-1","voice_id":null,"agent_name":"","begin_message":"Hi"}`))

	assert.Equal(t, "ag-1", p.ExternalID)
	assert.Nil(t, p.VoiceID)
	assert.Nil(t, p.Model)
	require.NotNil(t, p.Name)
	assert.Equal(t, "", *p.Name)
	require.NotNil(t, p.FirstMessage)
	assert.Equal(t, "Hi", *p.FirstMessage)
}

func TestAssistantPatch_MissingID(t *testing.T) {
	p := New(Tables{}).AssistantPatch(gjson.Parse(`{"name":"orphan"}`))
	assert.Empty(t, p.ExternalID)
}
