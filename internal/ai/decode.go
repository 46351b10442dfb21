// internal/ai/decode.go
package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// MalformedOutputError means the model's reply could not be decoded into the
// expected shape, even after the fenced-block fallback. Callers decide the
// degradation policy; this package never invents content.
type MalformedOutputError struct {
	Raw string
	Err error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed model output: %v", e.Err)
}

func (e *MalformedOutputError) Unwrap() error { return e.Err }

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// DecodeJSON strictly decodes a model reply into out. If the raw text is not
// valid JSON it tries one fallback: a fenced ```json``` block, then the first
// top-level {...} span. Anything beyond that is a MalformedOutputError.
func DecodeJSON(raw string, out interface{}) error {
	trimmed := strings.TrimSpace(raw)

	if err := strictUnmarshal(trimmed, out); err == nil {
		return nil
	}

	if m := fencedJSON.FindStringSubmatch(trimmed); m != nil {
		if err := strictUnmarshal(m[1], out); err == nil {
			return nil
		}
	}

	if start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); start >= 0 && end > start {
		if err := strictUnmarshal(trimmed[start:end+1], out); err == nil {
			return nil
		}
	}

	return &MalformedOutputError{
		Raw: raw,
		Err: fmt.Errorf("no decodable JSON object in %d bytes of output", len(raw)),
	}
}

func strictUnmarshal(s string, out interface{}) error {
	return json.Unmarshal([]byte(s), out)
}
