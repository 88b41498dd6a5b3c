package normalize

import (
	"strings"

	"github.com/tidwall/gjson"

	"voicebridge/internal/records"
)

// AssistantPatch projects one provider listing item. A field is set only
// when some candidate path holds a scalar; explicit null and absent both
// leave it nil so the stored value survives the merge.
func (n *Normalizer) AssistantPatch(item gjson.Result) records.AssistantPatch {
	get := func(f Field) *string {
		for _, p := range n.assistant[f] {
			r := item.Get(p)
			if !isScalar(r) {
				continue
			}
			v := strings.TrimSpace(r.String())
			return &v
		}
		return nil
	}

	var patch records.AssistantPatch
	if id := get(FieldExternalID); id != nil {
		patch.ExternalID = *id
	}
	patch.Name = get(FieldName)
	patch.Status = get(FieldAssistantStatus)
	patch.VoiceProvider = get(FieldVoiceProvider)
	patch.VoiceID = get(FieldVoiceID)
	patch.ModelProvider = get(FieldModelProvider)
	patch.Model = get(FieldModel)
	patch.TranscriberProvider = get(FieldTranscriberProvider)
	patch.TranscriberModel = get(FieldTranscriberModel)
	patch.Language = get(FieldLanguage)
	patch.FirstMessage = get(FieldFirstMessage)
	return patch
}
