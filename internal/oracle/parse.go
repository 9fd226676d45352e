package oracle

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/roleplay-eval/internal/model"
)

const opParse = "oracle: parse"

// Parse decodes an oracle body. The body must be a JSON object (optionally
// wrapped in markdown fences or prose) with a numeric totalScore and an array
// criteriaScores; anything else is a contract violation.
func Parse(text string) (*Response, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, violation(eris.New("empty body"))
	}

	var body any
	if err := json.Unmarshal([]byte(cleaned), &body); err != nil {
		return nil, violation(eris.Wrap(err, "body is not JSON"))
	}
	obj, ok := body.(map[string]any)
	if !ok {
		return nil, violation(eris.New("body is not a JSON object"))
	}

	total, ok := obj["totalScore"].(float64)
	if !ok {
		return nil, violation(eris.Errorf("totalScore must be a number, got %s", jsonType(obj["totalScore"])))
	}
	rawItems, ok := obj["criteriaScores"].([]any)
	if !ok {
		return nil, violation(eris.Errorf("criteriaScores must be an array, got %s", jsonType(obj["criteriaScores"])))
	}

	resp := &Response{
		TotalScore: &total,
		Items:      make([]RawItem, 0, len(rawItems)),
	}
	if s, ok := obj["summaryComment"].(string); ok {
		resp.SummaryComment = strings.TrimSpace(s)
	}
	for _, raw := range rawItems {
		item, ok := raw.(map[string]any)
		if !ok {
			resp.Skipped++
			continue
		}
		resp.Items = append(resp.Items, RawItem(item))
	}
	return resp, nil
}

func violation(err error) error {
	return model.NewError(model.KindOracleContractViolation, opParse, err)
}

// cleanJSON strips markdown code fences. Text that is still not valid JSON is
// cut down to its outermost braces to drop surrounding prose; valid JSON of any
// type is returned as-is so non-object bodies reach the shape check.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	text = strings.TrimSpace(text)
	if json.Valid([]byte(text)) {
		return text
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}
