package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

type Analysis struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
}

// ParseAnalysis decodes a provider analysis payload.
//
// Surrounding whitespace and one markdown code fence are tolerated. The payload must then be
// a single JSON object in which "summary" is a non-blank string and "key_points" is an array
// of strings (possibly empty). Anything else is ErrAnalysisParse; no field is defaulted.
func ParseAnalysis(payload string) (*Analysis, error) {
	body := stripCodeFence(payload)
	if body == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrAnalysisParse)
	}

	var raw struct {
		Summary   *string   `json:"summary"`
		KeyPoints *[]string `json:"key_points"`
	}
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalysisParse, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: unexpected data after JSON object", ErrAnalysisParse)
	}

	if raw.Summary == nil || strings.TrimSpace(*raw.Summary) == "" {
		return nil, fmt.Errorf("%w: missing summary", ErrAnalysisParse)
	}
	if raw.KeyPoints == nil {
		return nil, fmt.Errorf("%w: missing key_points", ErrAnalysisParse)
	}

	keyPoints := make([]string, 0, len(*raw.KeyPoints))
	for _, kp := range *raw.KeyPoints {
		if kp = strings.TrimSpace(kp); kp != "" {
			keyPoints = append(keyPoints, kp)
		}
	}
	return &Analysis{
		Summary:   strings.TrimSpace(*raw.Summary),
		KeyPoints: keyPoints,
	}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
