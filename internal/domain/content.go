package domain

import (
	"encoding/json"
	"strings"
)

// contentBlock is one element of a structured message content array.
// Only blocks tagged "text" contribute to the extracted text.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ExtractText normalizes a history entry's content field to plain text.
//
// The gateway returns content either as a bare string or as an array of
// typed blocks. A string is returned verbatim. For an array, the text of
// every block with type=="text" is joined by a single newline in original
// order; blocks of any other shape are skipped. Anything else yields "".
func ExtractText(content json.RawMessage) string {
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}

	var parts []string
	for _, raw := range blocks {
		var b contentBlock
		if err := json.Unmarshal(raw, &b); err != nil {
			continue
		}
		if b.Type != "text" {
			continue
		}
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, "\n")
}
