package prescription

import (
	"errors"
	"strings"
	"time"

	"github.com/rxextract/rxextract/internal/extraction/merge"
)

var (
	ErrNotFound       = errors.New("prescription not found")
	ErrStatusConflict = errors.New("prescription status changed concurrently")
)

// ModelManual is the model name recorded for hand-entered corrections.
const ModelManual = merge.Manual

// Prescription is one uploaded image and its merged extraction.
type Prescription struct {
	ID               string         `json:"id"`
	FileName         string         `json:"fileName"`
	FileSize         string         `json:"fileSize"`
	MIMEType         string         `json:"mimeType"`
	ImageData        string         `json:"imageData"`
	ProcessingStatus Status         `json:"processingStatus"`
	ExtractedData    merge.Document `json:"extractedData"`
	UploadedAt       time.Time      `json:"uploadedAt"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// HasImage reports whether image bytes are stored.
func (p *Prescription) HasImage() bool {
	return p.ImageData != "" && !strings.HasSuffix(p.ImageData, ",")
}

// Summary is the list projection. It leaves out the image payload.
type Summary struct {
	ID               string         `json:"id"`
	FileName         string         `json:"fileName"`
	FileSize         string         `json:"fileSize"`
	MIMEType         string         `json:"mimeType"`
	HasImage         bool           `json:"hasImage"`
	ProcessingStatus Status         `json:"processingStatus"`
	ExtractedData    merge.Document `json:"extractedData"`
	UploadedAt       time.Time      `json:"uploadedAt"`
	CreatedAt        time.Time      `json:"createdAt"`
}

func (p *Prescription) Summary() Summary {
	return Summary{
		ID:               p.ID,
		FileName:         p.FileName,
		FileSize:         p.FileSize,
		MIMEType:         p.MIMEType,
		HasImage:         p.HasImage(),
		ProcessingStatus: p.ProcessingStatus,
		ExtractedData:    nonNil(p.ExtractedData),
		UploadedAt:       p.UploadedAt,
		CreatedAt:        p.CreatedAt,
	}
}

// ExtractionResult is one model's value for one field from one run.
type ExtractionResult struct {
	ID             string    `json:"id"`
	PrescriptionID string    `json:"prescriptionId"`
	ModelName      string    `json:"modelName"`
	FieldName      string    `json:"fieldName"`
	ExtractedValue string    `json:"extractedValue"`
	Confidence     float64   `json:"confidence"`
	ProcessingTime int64     `json:"processingTime"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Candidate adapts the result for merging.
func (r *ExtractionResult) Candidate() merge.Candidate {
	return merge.Candidate{
		Model:      r.ModelName,
		Field:      r.FieldName,
		Value:      r.ExtractedValue,
		Confidence: r.Confidence,
	}
}

// Detail is a prescription together with the results of its last run.
type Detail struct {
	*Prescription
	ExtractionResults []*ExtractionResult `json:"extractionResults"`
}

func nonNil(d merge.Document) merge.Document {
	if d == nil {
		return merge.Document{}
	}
	return d
}
