package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// RawRecord is one object decoded from a completion reply. Nothing about
// its fields is trusted yet.
type RawRecord map[string]any

// String returns the field as a trimmed string. Numbers are formatted,
// everything else is empty.
func (r RawRecord) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func (r RawRecord) Date() string {
	if d := r.String("date_of_meeting"); d != "" {
		return d
	}
	return r.String("date")
}

func (r RawRecord) StartTime() string   { return r.String("start_time") }
func (r RawRecord) EndTime() string     { return r.String("end_time") }
func (r RawRecord) Title() string       { return r.String("title") }
func (r RawRecord) Description() string { return r.String("description") }

// ParseRecords pulls every JSON object out of a model reply. It tries, in
// order: the whole reply, one object per line, bracketed arrays, and
// finally any balanced {...} span. The first layer that yields objects
// wins, except that a partly parsed line layer gives way to the span
// scanner when that finds more objects. Malformed fragments are dropped
// individually.
func ParseRecords(text string) []RawRecord {
	text = stripFences(text)
	if strings.TrimSpace(text) == "" {
		return []RawRecord{}
	}

	if recs, ok := parseWhole(text); ok {
		return recs
	}
	if recs, clean := parseLines(text); len(recs) > 0 {
		// Unparsed lines may be pieces of a pretty-printed object.
		if !clean {
			if spans := parseSpans(text, '{', '}'); len(spans) > len(recs) {
				return spans
			}
		}
		return recs
	}
	if recs := parseSpans(text, '[', ']'); len(recs) > 0 {
		return recs
	}
	if recs := parseSpans(text, '{', '}'); len(recs) > 0 {
		return recs
	}
	return []RawRecord{}
}

func stripFences(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, ln := range lines {
		if strings.HasPrefix(strings.TrimSpace(ln), "```") {
			continue
		}
		kept = append(kept, ln)
	}
	return strings.Join(kept, "\n")
}

// parseWhole reports ok when the reply is a single JSON value, even one
// that holds no objects.
func parseWhole(text string) ([]RawRecord, bool) {
	var v any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &v); err != nil {
		return nil, false
	}
	return objects(v), true
}

// parseLines reads one object per line. clean reports whether every
// non-empty line parsed.
func parseLines(text string) (out []RawRecord, clean bool) {
	clean = true
	for _, ln := range strings.Split(text, "\n") {
		ln = strings.TrimSpace(ln)
		ln = strings.TrimSuffix(ln, ",")
		if ln == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(ln), &m); err != nil {
			clean = false
			continue
		}
		out = append(out, RawRecord(m))
	}
	return out, clean
}

func parseSpans(text string, openc, closec byte) []RawRecord {
	var out []RawRecord
	for _, span := range scanSpans([]byte(text), openc, closec) {
		var v any
		if err := json.Unmarshal(span, &v); err != nil {
			// A broken outer span may still wrap well-formed inner ones.
			inner := span[1 : len(span)-1]
			if bytes.IndexByte(inner, openc) >= 0 {
				out = append(out, parseSpans(string(inner), openc, closec)...)
			}
			continue
		}
		out = append(out, objects(v)...)
	}
	return out
}

func objects(v any) []RawRecord {
	switch t := v.(type) {
	case map[string]any:
		return []RawRecord{t}
	case []any:
		out := make([]RawRecord, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return []RawRecord{}
	}
}

type scanState int

const (
	stateOutside scanState = iota
	stateInSpan
	stateInString
	stateEscape
)

// scanner walks text and emits every top-level balanced span delimited by
// open/close. Delimiters inside JSON strings are ignored; quotes outside a
// span are plain noise.
type scanner struct {
	open, close byte
	state       scanState
	depth       int
	start       int
	spans       [][]byte
}

func scanSpans(text []byte, openc, closec byte) [][]byte {
	s := &scanner{open: openc, close: closec}
	for i, c := range text {
		s.step(text, i, c)
	}
	return s.spans
}

func (s *scanner) step(text []byte, i int, c byte) {
	switch s.state {
	case stateOutside:
		if c == s.open {
			s.state = stateInSpan
			s.depth = 1
			s.start = i
		}
	case stateInSpan:
		switch c {
		case '"':
			s.state = stateInString
		case s.open:
			s.depth++
		case s.close:
			s.depth--
			if s.depth == 0 {
				s.spans = append(s.spans, text[s.start:i+1])
				s.state = stateOutside
			}
		}
	case stateInString:
		switch c {
		case '\\':
			s.state = stateEscape
		case '"':
			s.state = stateInSpan
		}
	case stateEscape:
		s.state = stateInString
	}
}
