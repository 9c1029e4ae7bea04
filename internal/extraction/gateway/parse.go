package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rxextract/rxextract/internal/extraction/merge"
)

var errNoJSON = errors.New("reply contains no JSON object")

// parseDocument decodes a model reply. Replies wrapped in prose or code
// fences are accepted: the span from the first '{' to the last '}' is tried
// when the whole text is not valid JSON.
func parseDocument(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	var doc map[string]any
	if err := json.Unmarshal([]byte(text), &doc); err == nil {
		return doc, nil
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, errNoJSON
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &doc); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return doc, nil
}

// categoryKeys maps top-level document keys to field-key prefixes.
var categoryKeys = map[string]string{
	"prescriptionType": "prescriptionType",
	"patientDetails":   "patient",
	"patient":          "patient",
	"clinicalDetails":  "clinical",
	"clinical":         "clinical",
	"vitals":           "vitals",
	"medications":      "medication",
	"medication":       "medication",
	"advice":           "advice",
	"investigations":   "investigations",
	"doctorDetails":    "doctor",
	"doctor":           "doctor",
	"clinicDetails":    "clinic",
	"clinic":           "clinic",
	"followUp":         "followUp",
}

// reserved top-level keys carry metadata, not extracted fields.
var reserved = map[string]bool{
	"confidence":      true,
	"fieldConfidence": true,
}

// flattenDocument turns the nested reply into "category_sub" field keys.
// The first medication uses "medication_<sub>", later ones
// "medication_<n>_<sub>" with n counting from 2.
func flattenDocument(doc map[string]any) map[string]string {
	out := make(map[string]string)
	for key, raw := range doc {
		if reserved[key] {
			continue
		}
		category, ok := categoryKeys[key]
		if !ok {
			category = key
		}

		switch v := raw.(type) {
		case map[string]any:
			for sub, val := range v {
				out[category+"_"+sub] = stringify(val)
			}
		case []any:
			if category != "medication" {
				out[category] = stringify(v)
				continue
			}
			for i, item := range v {
				med, ok := item.(map[string]any)
				if !ok {
					continue
				}
				prefix := category + "_"
				if i > 0 {
					prefix = fmt.Sprintf("%s_%d_", category, i+1)
				}
				for sub, val := range med {
					out[prefix+sub] = stringify(val)
				}
			}
		default:
			out[category] = stringify(v)
		}
	}
	return out
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return merge.NotAvailable
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := stringify(item); !merge.IsAbsent(s) && s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			return merge.NotAvailable
		}
		return strings.Join(parts, ", ")
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// documentConfidence is the reply's self-reported confidence when it gives a
// usable one, otherwise the model's default.
func documentConfidence(doc map[string]any, fallback float64) float64 {
	if c, ok := asConfidence(doc["confidence"]); ok {
		return c
	}
	return fallback
}

func fieldConfidences(doc map[string]any) map[string]float64 {
	raw, ok := doc["fieldConfidence"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		if c, ok := asConfidence(v); ok {
			out[k] = c
		}
	}
	return out
}

// lookupConfidence prefers an exact field-key entry over a category entry.
func lookupConfidence(perField map[string]float64, key string) (float64, bool) {
	if len(perField) == 0 {
		return 0, false
	}
	if c, ok := perField[key]; ok {
		return c, true
	}
	category, _ := merge.Split(key)
	c, ok := perField[category]
	return c, ok
}

func asConfidence(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || f < 0 || f > 1 {
		return 0, false
	}
	return f, true
}

// categoryAliases lets configurations name fields the way the extraction
// prompt groups them.
var categoryAliases = map[string][]string{
	"patientDetails":  {"patient"},
	"clinicalDetails": {"clinical"},
	"medications":     {"medication"},
	"doctorDetails":   {"doctor"},
	"clinicDetails":   {"clinic"},
	"followUp":        {"followUp", "advice"},
}

// Requested reports whether field key is covered by the requested field ids.
// An id matches the full key, its category or a category alias, or the
// sub-field name (ignoring a medication index). No ids means every field.
func Requested(ids []string, key string) bool {
	if len(ids) == 0 {
		return true
	}
	category, sub := merge.Split(key)
	base := sub
	if i := strings.IndexByte(sub, '_'); i > 0 {
		if _, err := strconv.Atoi(sub[:i]); err == nil {
			base = sub[i+1:]
		}
	}

	for _, id := range ids {
		if id == key || id == category || id == sub || id == base {
			return true
		}
		for _, c := range categoryAliases[id] {
			if c == category {
				return true
			}
		}
	}
	return false
}
