package normalize

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var ErrInvalidJSON = errors.New("normalize: payload is not valid JSON")

// Message is one turn of a conversation log.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Event is the best-effort projection of a call payload. Zero values mean the
// field did not resolve.
type Event struct {
	CallID      string
	AssistantID string

	StartedAt       *time.Time
	EndedAt         *time.Time
	DurationSeconds int

	Status         string
	AudioURL       string
	Transcript     string
	Messages       []Message
	Summary        string
	EndedReason    string
	CustomerNumber string
	EventType      string

	// Raw is the payload exactly as received.
	Raw string

	// Resolved records the path each field was read from.
	Resolved map[Field]string
}

// Normalizer extracts logical fields from schema-less provider payloads.
// It is safe for concurrent use.
type Normalizer struct {
	call      PathTable
	assistant PathTable
}

// New returns a Normalizer over the default path tables with overrides
// applied on top.
func New(overrides Tables) *Normalizer {
	return &Normalizer{
		call:      overlay(DefaultCallPaths(), overrides.Call),
		assistant: overlay(DefaultAssistantPaths(), overrides.Assistant),
	}
}

// Paths returns a copy of the table for kind.
func (n *Normalizer) Paths(kind Kind) PathTable {
	if kind == KindAssistant {
		return n.assistant.clone()
	}
	return n.call.clone()
}

// lookup returns the first candidate whose value is a non-empty scalar.
func lookup(doc gjson.Result, paths []string) (gjson.Result, string, bool) {
	for _, p := range paths {
		r := doc.Get(p)
		if !isScalar(r) {
			continue
		}
		if r.Type == gjson.String && strings.TrimSpace(r.Str) == "" {
			continue
		}
		return r, p, true
	}
	return gjson.Result{}, "", false
}

// lookupArray returns the first candidate whose value is a JSON array.
func lookupArray(doc gjson.Result, paths []string) (gjson.Result, string, bool) {
	for _, p := range paths {
		if r := doc.Get(p); r.IsArray() {
			return r, p, true
		}
	}
	return gjson.Result{}, "", false
}

func isScalar(r gjson.Result) bool {
	switch r.Type {
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		return true
	default:
		return false
	}
}

// Normalize projects a call payload. Only input that is not JSON at all is an
// error; every other problem leaves the affected field empty.
func (n *Normalizer) Normalize(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) {
		return Event{}, ErrInvalidJSON
	}
	doc := gjson.ParseBytes(raw)
	ev := Event{Raw: string(raw), Resolved: map[Field]string{}}

	str := func(f Field) string {
		r, p, ok := lookup(doc, n.call[f])
		if !ok {
			return ""
		}
		ev.Resolved[f] = p
		return strings.TrimSpace(r.String())
	}
	ts := func(f Field) *time.Time {
		r, p, ok := lookup(doc, n.call[f])
		if !ok {
			return nil
		}
		t := ParseTimestamp(r)
		if t != nil {
			ev.Resolved[f] = p
		}
		return t
	}

	ev.CallID = str(FieldCallID)
	ev.AssistantID = str(FieldAssistantID)
	ev.StartedAt = ts(FieldStartedAt)
	ev.EndedAt = ts(FieldEndedAt)
	ev.Status = str(FieldStatus)
	ev.AudioURL = str(FieldAudioURL)
	ev.Summary = str(FieldSummary)
	ev.EndedReason = str(FieldEndedReason)
	ev.CustomerNumber = str(FieldCustomerNumber)
	ev.EventType = str(FieldEventType)

	if r, p, ok := lookup(doc, n.call[FieldDuration]); ok {
		if d, ok := seconds(r); ok {
			ev.DurationSeconds = d
			ev.Resolved[FieldDuration] = p
		}
	}
	if ev.DurationSeconds == 0 && ev.StartedAt != nil && ev.EndedAt != nil && ev.EndedAt.After(*ev.StartedAt) {
		ev.DurationSeconds = int(ev.EndedAt.Sub(*ev.StartedAt).Round(time.Second) / time.Second)
	}

	if r, p, ok := lookupArray(doc, n.call[FieldMessages]); ok {
		ev.Messages = parseMessages(r)
		ev.Resolved[FieldMessages] = p
	}

	ev.Transcript = str(FieldTranscript)
	if ev.Transcript == "" {
		// Some payloads put the message list where the transcript text usually is.
		if r, p, ok := lookupArray(doc, n.call[FieldTranscript]); ok && len(ev.Messages) == 0 {
			ev.Messages = parseMessages(r)
			ev.Resolved[FieldMessages] = p
		}
		if t := SynthesizeTranscript(ev.Messages); t != "" {
			ev.Transcript = t
			ev.Resolved[FieldTranscript] = ev.Resolved[FieldMessages]
		}
	}
	return ev, nil
}

func seconds(r gjson.Result) (int, bool) {
	var f float64
	switch r.Type {
	case gjson.Number:
		f = r.Num
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		if err != nil {
			return 0, false
		}
		f = v
	default:
		return 0, false
	}
	if f <= 0 || f > maxDurationSeconds || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(math.Round(f)), true
}

// maxDurationSeconds bounds a call duration; larger values are treated as
// unparsable.
const maxDurationSeconds = math.MaxInt32

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 2e10 seconds is in the year 2603; any real millisecond timestamp after
// 1970-08-20 is above it.
const epochMillisThreshold = 20_000_000_000

// maxEpochMillis is the last millisecond of year 9999. Larger epochs do not
// fit the storage timestamp types and are treated as unparsable.
var maxEpochMillis = float64(time.Date(9999, 12, 31, 23, 59, 59, 999_000_000, time.UTC).UnixMilli())

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts epoch seconds or milliseconds (number or numeric
// string) and ISO-8601 strings. Anything else yields nil.
func ParseTimestamp(r gjson.Result) *time.Time {
	switch r.Type {
	case gjson.Number:
		return fromEpoch(r.Num)
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if s == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				t = t.UTC()
				return &t
			}
		}
	}
	return nil
}

func fromEpoch(f float64) *time.Time {
	if f <= 0 || f > maxEpochMillis || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	var t time.Time
	if f < epochMillisThreshold {
		sec, frac := math.Modf(f)
		t = time.Unix(int64(sec), int64(math.Round(frac*1e9)))
	} else {
		t = time.UnixMilli(int64(math.Round(f)))
	}
	t = t.UTC()
	return &t
}

var (
	roleKeys    = []string{"role", "speaker"}
	contentKeys = []string{"content", "message", "text"}
	isUserKeys  = []string{"isUser", "is_user", "fromUser"}
)

func parseMessages(arr gjson.Result) []Message {
	var out []Message
	arr.ForEach(func(_, m gjson.Result) bool {
		if !m.IsObject() {
			return true
		}
		var msg Message
		if r, _, ok := lookup(m, contentKeys); ok {
			msg.Content = strings.TrimSpace(r.String())
		}
		if msg.Content == "" {
			return true
		}
		if r, _, ok := lookup(m, roleKeys); ok {
			msg.Role = strings.TrimSpace(r.String())
		} else {
			for _, k := range isUserKeys {
				if v := m.Get(k); v.IsBool() {
					if v.Bool() {
						msg.Role = "user"
					} else {
						msg.Role = "assistant"
					}
					break
				}
			}
		}
		if msg.Role == "" {
			msg.Role = "unknown"
		}
		out = append(out, msg)
		return true
	})
	return out
}

// SynthesizeTranscript renders messages as "role: content" lines.
func SynthesizeTranscript(msgs []Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.Role+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}
