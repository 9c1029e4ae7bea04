// Package merge combines several models' field values into one document.
// It performs no I/O.
package merge

import (
	"sort"
	"strings"
)

// NotAvailable is the marker models use for a field they could not read.
const NotAvailable = "NA"

// Manual names the pseudo-model that records user corrections. It ranks
// ahead of every model in the order.
const Manual = "manual"

// Candidate is one model's value for one field key ("patient_patientName").
type Candidate struct {
	Model      string
	Field      string
	Value      string
	Confidence float64
}

// Document is the merged extraction keyed by category then sub-field.
type Document map[string]map[string]string

// IsAbsent reports whether a value means "the model returned nothing".
// An empty string is a real, extracted-as-empty value.
func IsAbsent(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), NotAvailable)
}

// Split divides a field key at its first underscore. Keys without one are
// their own category with sub-field "value".
func Split(field string) (category, sub string) {
	if i := strings.IndexByte(field, '_'); i > 0 && i < len(field)-1 {
		return field[:i], field[i+1:]
	}
	return field, "value"
}

// Join is the inverse of Split.
func Join(category, sub string) string {
	if sub == "value" {
		return category
	}
	return category + "_" + sub
}

// Merge picks, for every field, the value from the most confident model.
// Ties go to the model listed first in order, with Manual always first;
// models missing from order rank after all listed ones, alphabetically. Fields whose only values are
// absent markers are left out of the result.
func Merge(order []string, candidates []Candidate) Document {
	rank := make(map[string]int, len(order))
	for i, m := range order {
		if _, dup := rank[m]; !dup {
			rank[m] = i
		}
	}
	rankOf := func(model string) int {
		if model == Manual {
			return -1
		}
		if r, ok := rank[model]; ok {
			return r
		}
		return len(order)
	}

	best := make(map[string]Candidate)
	for _, c := range candidates {
		if IsAbsent(c.Value) {
			continue
		}
		cur, ok := best[c.Field]
		if !ok || beats(c, cur, rankOf) {
			best[c.Field] = c
		}
	}

	doc := make(Document)
	for field, c := range best {
		category, sub := Split(field)
		if doc[category] == nil {
			doc[category] = make(map[string]string)
		}
		doc[category][sub] = c.Value
	}
	return doc
}

func beats(a, b Candidate, rankOf func(string) int) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	ra, rb := rankOf(a.Model), rankOf(b.Model)
	if ra != rb {
		return ra < rb
	}
	return a.Model < b.Model
}

// Flatten turns a document back into field keys, the shape exports use.
func Flatten(doc Document) map[string]string {
	out := make(map[string]string)
	for category, subs := range doc {
		for sub, v := range subs {
			out[Join(category, sub)] = v
		}
	}
	return out
}

// Fields returns the sorted field keys present in doc.
func Fields(doc Document) []string {
	flat := Flatten(doc)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set writes one field key into doc, creating the category as needed.
func (d Document) Set(field, value string) {
	category, sub := Split(field)
	if d[category] == nil {
		d[category] = make(map[string]string)
	}
	d[category][sub] = value
}

// Get reads one field key from doc.
func (d Document) Get(field string) (string, bool) {
	category, sub := Split(field)
	v, ok := d[category][sub]
	return v, ok
}
