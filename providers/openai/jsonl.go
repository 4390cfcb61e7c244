package openai

import (
	"bytes"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/getcaravan/caravan/schemas"
)

// SplitJSONL splits a downloaded result file into its non-empty lines.
// Handles CRLF line endings and a missing trailing newline.
func SplitJSONL(data []byte) [][]byte {
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// ParseOutputLine decodes one line of a batch output or error file. Lines
// without a custom_id cannot be routed back to a request and are rejected.
func ParseOutputLine(line []byte) (*schemas.BatchOutputLine, error) {
	out := &schemas.BatchOutputLine{}
	if err := sonic.Unmarshal(line, out); err != nil {
		return nil, fmt.Errorf("failed to parse batch output line: %w", err)
	}
	if out.CustomID == "" {
		return nil, fmt.Errorf("batch output line has no custom_id")
	}
	return out, nil
}
