package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRecords(t *testing.T) {
	one := RawRecord{"a": float64(1)}
	two := RawRecord{"a": float64(2)}

	tests := []struct {
		name string
		in   string
		want []RawRecord
	}{
		{"single object", `{"a":1}`, []RawRecord{one}},
		{"array", `[{"a":1},{"a":2}]`, []RawRecord{one, two}},
		{"object per line", "{\"a\":1}\n{\"a\":2}", []RawRecord{one, two}},
		{"noise around objects", `noise {"a":1} more noise {bad json} {"a":2}`, []RawRecord{one, two}},
		{"code fence", "```json\n[{\"a\":1}]\n```", []RawRecord{one}},
		{"array inside prose", `Here you go: [{"a":1}, "x", 3] thanks`, []RawRecord{one}},
		{"line object then pretty-printed object", "{\"a\":1}\n{\n  \"title\":\"x\"\n}", []RawRecord{one, {"title": "x"}}},
		{"lines with commas", "{\"a\":1},\nnot json\n{\"a\":2}", []RawRecord{one, two}},
		{"non objects discarded", `["x", 1, null]`, []RawRecord{}},
		{"braces inside strings", `ok {"a":1, "t":"} {"} end`, []RawRecord{{"a": float64(1), "t": "} {"}}},
		{"escaped quote", `x {"t":"say \"hi\" }"} y`, []RawRecord{{"t": `say "hi" }`}}},
		{"broken wrapper", `{oops {"a":1}}`, []RawRecord{one}},
		{"empty", "   ", []RawRecord{}},
		{"nothing parseable", "no meetings today", []RawRecord{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRecords(tt.in))
		})
	}
}

func TestRawRecordAccessors(t *testing.T) {
	r := RawRecord{
		"date_of_meeting": " 2025-01-02 ",
		"start_time":      "10:00",
		"title":           float64(7),
		"description":     []any{"x"},
	}
	assert.Equal(t, "2025-01-02", r.Date())
	assert.Equal(t, "10:00", r.StartTime())
	assert.Equal(t, "", r.EndTime())
	assert.Equal(t, "7", r.Title())
	assert.Equal(t, "", r.Description())

	assert.Equal(t, "2025-03-04", RawRecord{"date": "2025-03-04"}.Date())
}
