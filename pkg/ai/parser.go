package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"novel-engine/shared/models"
	"novel-engine/shared/utils"
)

type segmentPayload struct {
	Text             string `json:"text"`
	ImagePrompt      string `json:"imagePrompt"`
	Tone             string `json:"tone"`
	EnvironmentTheme string `json:"environmentTheme"`
}

// ParseSegmentResponse разбирает ответ модели на продолжение истории.
// A reply that carries no JSON is taken verbatim as the narrative text.
func ParseSegmentResponse(raw string) (*models.SegmentResult, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty response to parse", models.ErrGenerationFailed)
	}

	jsonStr := utils.ExtractJSONObject(raw)
	if jsonStr == "" {
		return &models.SegmentResult{Text: raw}, nil
	}
	var p segmentPayload
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		return nil, fmt.Errorf("%w: malformed segment JSON: %v", models.ErrGenerationFailed, err)
	}
	if strings.TrimSpace(p.Text) == "" {
		return nil, fmt.Errorf("%w: segment JSON has no text", models.ErrGenerationFailed)
	}
	return &models.SegmentResult{
		Text:             strings.TrimSpace(p.Text),
		ImagePrompt:      strings.TrimSpace(p.ImagePrompt),
		Tone:             p.Tone,
		EnvironmentTheme: normalizeEnvironment(p.EnvironmentTheme),
	}, nil
}

// ParseOutlineResponse разбирает ответ модели с планом истории.
func ParseOutlineResponse(raw string) (*models.Outline, error) {
	jsonStr := utils.ExtractJSONObject(raw)
	if jsonStr == "" {
		if text := strings.TrimSpace(raw); text != "" {
			return &models.Outline{Opening: text}, nil
		}
		return nil, fmt.Errorf("%w: empty outline response", models.ErrGenerationFailed)
	}
	var o models.Outline
	if err := json.Unmarshal([]byte(jsonStr), &o); err != nil {
		return nil, fmt.Errorf("%w: malformed outline JSON: %v", models.ErrGenerationFailed, err)
	}
	o.Opening = strings.TrimSpace(o.Opening)
	if o.Opening == "" {
		return nil, fmt.Errorf("%w: outline has no opening scene", models.ErrGenerationFailed)
	}
	o.EnvironmentTheme = normalizeEnvironment(o.EnvironmentTheme)
	return &o, nil
}

var knownEnvironments = map[string]bool{
	"forest": true, "city": true, "space": true, "dungeon": true, "sea": true,
	"desert": true, "village": true, "castle": true, "default": true,
}

func normalizeEnvironment(env string) string {
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		return ""
	}
	if knownEnvironments[env] {
		return env
	}
	return "default"
}
