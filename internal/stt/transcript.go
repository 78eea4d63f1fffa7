package stt

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ParseMessage extracts a transcript from one server message. Segment
// texts are concatenated in order; a top-level "text" string is the
// fallback. A "message" string is a status update and yields no
// transcript. Anything else, including non-JSON text, is used verbatim.
func ParseMessage(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	if !gjson.ValidBytes(raw) {
		return string(raw), true
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return string(raw), true
	}

	if segments := doc.Get("segments"); segments.IsArray() {
		var b strings.Builder
		segments.ForEach(func(_, seg gjson.Result) bool {
			if text := seg.Get("text"); text.Type == gjson.String {
				b.WriteString(text.Str)
			}
			return true
		})
		if b.Len() > 0 {
			return b.String(), true
		}
	}
	if text := doc.Get("text"); text.Type == gjson.String {
		return text.Str, true
	}
	if msg := doc.Get("message"); msg.Type == gjson.String {
		return "", false
	}
	return string(raw), true
}
