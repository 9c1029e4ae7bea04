package prescription

import (
	"context"
	"sort"
	"time"

	"github.com/rxextract/rxextract/internal/extraction/merge"
)

// Repository persists prescriptions and their extraction results.
//
// Status changes are compare-and-set: methods that take an expected status
// return ErrStatusConflict when the row has moved on, and ErrNotFound when it
// no longer exists.
type Repository interface {
	Create(ctx context.Context, p *Prescription) error
	GetByID(ctx context.Context, id string) (*Prescription, error)
	// List returns prescriptions newest first. limit 0 means all.
	List(ctx context.Context, limit, offset int) ([]*Prescription, int, error)
	// GetMany returns the prescriptions that exist, in the order of ids.
	GetMany(ctx context.Context, ids []string) ([]*Prescription, error)

	// UpdateImage replaces the image of a pending prescription.
	UpdateImage(ctx context.Context, id, imageData, mimeType, fileSize string) error
	// FillImage sets the image of a prescription that has none, in any status.
	FillImage(ctx context.Context, id, imageData, mimeType string) error
	ListMissingImages(ctx context.Context) ([]*Prescription, error)

	TransitionStatus(ctx context.Context, id string, from, to Status) error
	// CompleteRun replaces the prescription's results, stores the merged
	// document and moves it from processing to status, atomically.
	CompleteRun(ctx context.Context, id string, status Status, results []*ExtractionResult, data merge.Document) error
	// ApplyCorrections upserts manual results and stores the corrected
	// document on a completed prescription.
	ApplyCorrections(ctx context.Context, id string, results []*ExtractionResult, data merge.Document) error
	// ListStale returns prescriptions in status last updated before cutoff.
	ListStale(ctx context.Context, status Status, before time.Time) ([]*Prescription, error)

	// Delete removes the prescription and its results if it is still in
	// expected.
	Delete(ctx context.Context, id string, expected Status) error

	ListResults(ctx context.Context, prescriptionID string) ([]*ExtractionResult, error)
	ListAllResults(ctx context.Context) ([]*ExtractionResult, error)
	ListResultsFor(ctx context.Context, prescriptionIDs []string) ([]*ExtractionResult, error)
}

// orderResults sorts results into the order of ids, keeping each
// prescription's results in their stored order.
func orderResults(results []*ExtractionResult, ids []string) {
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		if _, ok := pos[id]; !ok {
			pos[id] = i
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return pos[results[i].PrescriptionID] < pos[results[j].PrescriptionID]
	})
}
