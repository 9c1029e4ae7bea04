package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge_HighestConfidenceWins(t *testing.T) {
	doc := Merge([]string{"A", "B"}, []Candidate{
		{Model: "A", Field: "patient_patientName", Value: "X", Confidence: 0.9},
		{Model: "B", Field: "patient_patientName", Value: "Y", Confidence: 0.95},
	})
	assert.Equal(t, "Y", doc["patient"]["patientName"])
}

func TestMerge_TieGoesToEarlierModel(t *testing.T) {
	cands := []Candidate{
		{Model: "claude", Field: "doctor_doctorName", Value: "Dr. B", Confidence: 0.8},
		{Model: "openai", Field: "doctor_doctorName", Value: "Dr. A", Confidence: 0.8},
	}
	assert.Equal(t, "Dr. A", Merge([]string{"openai", "claude"}, cands)["doctor"]["doctorName"])
	assert.Equal(t, "Dr. B", Merge([]string{"claude", "openai"}, cands)["doctor"]["doctorName"])
}

func TestMerge_UnlistedModelsRankLast(t *testing.T) {
	doc := Merge([]string{"gemini"}, []Candidate{
		{Model: "zeta", Field: "vitals_pulse", Value: "90", Confidence: 0.5},
		{Model: "alpha", Field: "vitals_pulse", Value: "80", Confidence: 0.5},
		{Model: "gemini", Field: "vitals_pulse", Value: "72", Confidence: 0.5},
	})
	assert.Equal(t, "72", doc["vitals"]["pulse"])

	doc = Merge(nil, []Candidate{
		{Model: "zeta", Field: "vitals_pulse", Value: "90", Confidence: 0.5},
		{Model: "alpha", Field: "vitals_pulse", Value: "80", Confidence: 0.5},
	})
	assert.Equal(t, "80", doc["vitals"]["pulse"], "alphabetical fallback keeps merge deterministic")
}

func TestMerge_ManualWinsTies(t *testing.T) {
	doc := Merge([]string{"A", "B"}, []Candidate{
		{Model: "A", Field: "patient_patientName", Value: "Model", Confidence: 1},
		{Model: Manual, Field: "patient_patientName", Value: "Corrected", Confidence: 1},
		{Model: "B", Field: "vitals_pulse", Value: "72", Confidence: 0.8},
	})
	assert.Equal(t, "Corrected", doc["patient"]["patientName"])
	assert.Equal(t, "72", doc["vitals"]["pulse"])
}

func TestMerge_AbsentValuesOmitted(t *testing.T) {
	doc := Merge([]string{"A", "B"}, []Candidate{
		{Model: "A", Field: "patient_age", Value: "NA", Confidence: 0.99},
		{Model: "B", Field: "patient_age", Value: "42", Confidence: 0.1},
		{Model: "A", Field: "patient_gender", Value: "na", Confidence: 0.9},
		{Model: "B", Field: "clinic_clinicName", Value: " NA ", Confidence: 0.9},
	})

	assert.Equal(t, "42", doc["patient"]["age"], "NA never outranks a real value")
	_, ok := doc["patient"]["gender"]
	assert.False(t, ok, "field with only NA values must be omitted")
	_, ok = doc["clinic"]
	assert.False(t, ok, "category with no fields must be omitted")
}

func TestMerge_EmptyStringIsAValue(t *testing.T) {
	doc := Merge([]string{"A"}, []Candidate{
		{Model: "A", Field: "advice_lifestyleAdvice", Value: "", Confidence: 0.7},
	})
	v, ok := doc["advice"]["lifestyleAdvice"]
	require.True(t, ok)
	assert.Equal(t, "", v)
}

func TestMerge_SubFieldsIndependent(t *testing.T) {
	doc := Merge([]string{"A", "B"}, []Candidate{
		{Model: "A", Field: "medication_drugName", Value: "Paracetamol", Confidence: 0.9},
		{Model: "B", Field: "medication_drugName", Value: "Paracetmol", Confidence: 0.6},
		{Model: "A", Field: "medication_dosage", Value: "500", Confidence: 0.4},
		{Model: "B", Field: "medication_dosage", Value: "500mg", Confidence: 0.6},
		{Model: "B", Field: "medication_2_drugName", Value: "Ibuprofen", Confidence: 0.6},
	})
	assert.Equal(t, map[string]string{
		"drugName":   "Paracetamol",
		"dosage":     "500mg",
		"2_drugName": "Ibuprofen",
	}, doc["medication"])
}

func TestMerge_NoCandidates(t *testing.T) {
	doc := Merge([]string{"A"}, nil)
	assert.NotNil(t, doc)
	assert.Empty(t, doc)
}

func TestMerge_OrderIndependentOfInputOrder(t *testing.T) {
	a := Candidate{Model: "A", Field: "investigations_tests", Value: "CBC", Confidence: 0.7}
	b := Candidate{Model: "B", Field: "investigations_tests", Value: "CBC, LFT", Confidence: 0.7}
	order := []string{"B", "A"}
	assert.Equal(t, Merge(order, []Candidate{a, b}), Merge(order, []Candidate{b, a}))
}

func TestSplitJoin(t *testing.T) {
	tests := []struct {
		field, category, sub string
	}{
		{"patient_patientName", "patient", "patientName"},
		{"medication_2_drugName", "medication", "2_drugName"},
		{"investigations", "investigations", "value"},
		{"_odd", "_odd", "value"},
		{"trailing_", "trailing_", "value"},
	}
	for _, tt := range tests {
		c, s := Split(tt.field)
		assert.Equal(t, tt.category, c, tt.field)
		assert.Equal(t, tt.sub, s, tt.field)
		assert.Equal(t, tt.field, Join(c, s))
	}
}

func TestFlattenAndFields(t *testing.T) {
	doc := Document{}
	doc.Set("patient_patientName", "Jane")
	doc.Set("doctor_doctorName", "Dr. Rao")
	doc.Set("investigations", "CBC")

	assert.Equal(t, map[string]string{
		"patient_patientName": "Jane",
		"doctor_doctorName":   "Dr. Rao",
		"investigations":      "CBC",
	}, Flatten(doc))
	assert.Equal(t, []string{"doctor_doctorName", "investigations", "patient_patientName"}, Fields(doc))

	v, ok := doc.Get("patient_patientName")
	assert.True(t, ok)
	assert.Equal(t, "Jane", v)
	_, ok = doc.Get("patient_age")
	assert.False(t, ok)
}
