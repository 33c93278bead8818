// Package llm decodes model output into typed payloads. Models wrap JSON in
// prose or markdown fences and produce near-JSON often enough that strict
// parsing alone is not viable; extraction plus repair keeps the loop moving.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog/log"
)

// DecodeModelJSON extracts the JSON payload from a raw model reply and
// unmarshals it into target, repairing malformed JSON when needed.
func DecodeModelJSON(raw string, target interface{}) error {
	jsonStr := ExtractJSON(raw)
	if jsonStr == "" {
		return fmt.Errorf("no JSON found in model response")
	}

	if err := json.Unmarshal([]byte(jsonStr), target); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(jsonStr)
	if err != nil {
		return fmt.Errorf("JSON repair failed: %w", err)
	}
	log.Debug().
		Int("original_bytes", len(jsonStr)).
		Int("repaired_bytes", len(repaired)).
		Msg("Repaired malformed model JSON")

	if err := json.Unmarshal([]byte(repaired), target); err != nil {
		return fmt.Errorf("JSON parsing failed after repair: %w", err)
	}
	return nil
}

// ExtractJSON pulls JSON content out of mixed text/JSON responses: pure
// JSON, fenced code blocks, or the first balanced object/array.
func ExtractJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		return raw
	}

	if strings.Contains(raw, "```") {
		lines := strings.Split(raw, "\n")
		var jsonLines []string
		inCodeBlock := false
		for _, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				inCodeBlock = !inCodeBlock
				continue
			}
			if inCodeBlock {
				jsonLines = append(jsonLines, line)
			}
		}
		if len(jsonLines) > 0 {
			return strings.TrimSpace(strings.Join(jsonLines, "\n"))
		}
	}

	startIdx := strings.Index(raw, "{")
	if startIdx == -1 {
		startIdx = strings.Index(raw, "[")
		if startIdx == -1 {
			return ""
		}
	}

	openChar := raw[startIdx]
	closeChar := byte('}')
	if openChar == '[' {
		closeChar = ']'
	}

	count := 0
	for i := startIdx; i < len(raw); i++ {
		switch raw[i] {
		case openChar:
			count++
		case closeChar:
			count--
			if count == 0 {
				return raw[startIdx : i+1]
			}
		}
	}

	// Incomplete structure; return the tail and let repair complete it.
	return raw[startIdx:]
}
