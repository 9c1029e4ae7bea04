package prescription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rxextract/rxextract/internal/extraction/merge"
)

type memoryRepo struct {
	mu            sync.RWMutex
	prescriptions map[string]*Prescription
	results       map[string][]*ExtractionResult
	now           func() time.Time
}

// NewMemoryRepo returns a process-local repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		prescriptions: make(map[string]*Prescription),
		results:       make(map[string][]*ExtractionResult),
		now:           time.Now,
	}
}

func clonePrescription(p *Prescription) *Prescription {
	cp := *p
	cp.ExtractedData = cloneDocument(p.ExtractedData)
	return &cp
}

func cloneDocument(d merge.Document) merge.Document {
	out := make(merge.Document, len(d))
	for cat, subs := range d {
		m := make(map[string]string, len(subs))
		for k, v := range subs {
			m[k] = v
		}
		out[cat] = m
	}
	return out
}

func cloneResults(in []*ExtractionResult) []*ExtractionResult {
	out := make([]*ExtractionResult, len(in))
	for i, r := range in {
		cp := *r
		out[i] = &cp
	}
	return out
}

func (r *memoryRepo) Create(_ context.Context, p *Prescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now().UTC()
	if p.UploadedAt.IsZero() {
		p.UploadedAt = now
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	p.ExtractedData = nonNil(p.ExtractedData)
	r.prescriptions[p.ID] = clonePrescription(p)
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id string) (*Prescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prescriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePrescription(p), nil
}

func (r *memoryRepo) sorted() []*Prescription {
	all := make([]*Prescription, 0, len(r.prescriptions))
	for _, p := range r.prescriptions {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].UploadedAt.Equal(all[j].UploadedAt) {
			return all[i].UploadedAt.After(all[j].UploadedAt)
		}
		return all[i].ID > all[j].ID
	})
	return all
}

func (r *memoryRepo) List(_ context.Context, limit, offset int) ([]*Prescription, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := r.sorted()
	total := len(all)
	start := offset
	if start > total {
		start = total
	}
	end := total
	if limit > 0 && start+limit < total {
		end = start + limit
	}
	out := make([]*Prescription, 0, end-start)
	for _, p := range all[start:end] {
		out = append(out, clonePrescription(p))
	}
	return out, total, nil
}

func (r *memoryRepo) GetMany(_ context.Context, ids []string) ([]*Prescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Prescription, 0, len(ids))
	for _, id := range ids {
		if p, ok := r.prescriptions[id]; ok {
			out = append(out, clonePrescription(p))
		}
	}
	return out, nil
}

// lookup returns the row if it exists and is in want, or the error the
// compare-and-set contract prescribes. The caller holds the write lock.
func (r *memoryRepo) lookup(id string, want Status) (*Prescription, error) {
	p, ok := r.prescriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.ProcessingStatus != want {
		return nil, ErrStatusConflict
	}
	return p, nil
}

func (r *memoryRepo) UpdateImage(_ context.Context, id, imageData, mimeType, fileSize string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(id, StatusPending)
	if err != nil {
		return err
	}
	p.ImageData, p.MIMEType, p.FileSize = imageData, mimeType, fileSize
	p.UpdatedAt = r.now().UTC()
	return nil
}

func (r *memoryRepo) FillImage(_ context.Context, id, imageData, mimeType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prescriptions[id]
	if !ok || p.HasImage() {
		return ErrNotFound
	}
	p.ImageData, p.MIMEType = imageData, mimeType
	p.UpdatedAt = r.now().UTC()
	return nil
}

func (r *memoryRepo) ListMissingImages(_ context.Context) ([]*Prescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Prescription
	for _, p := range r.sorted() {
		if !p.HasImage() {
			out = append(out, clonePrescription(p))
		}
	}
	return out, nil
}

func (r *memoryRepo) TransitionStatus(_ context.Context, id string, from, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(id, from)
	if err != nil {
		return err
	}
	p.ProcessingStatus = to
	p.UpdatedAt = r.now().UTC()
	return nil
}

func (r *memoryRepo) CompleteRun(_ context.Context, id string, status Status, results []*ExtractionResult, data merge.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(id, StatusProcessing)
	if err != nil {
		return err
	}
	p.ProcessingStatus = status
	p.ExtractedData = cloneDocument(data)
	p.UpdatedAt = r.now().UTC()
	r.results[id] = cloneResults(results)
	return nil
}

func (r *memoryRepo) ApplyCorrections(_ context.Context, id string, results []*ExtractionResult, data merge.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(id, StatusCompleted)
	if err != nil {
		return err
	}
	existing := r.results[id]
	for _, nr := range cloneResults(results) {
		replaced := false
		for i, old := range existing {
			if old.ModelName == nr.ModelName && old.FieldName == nr.FieldName {
				existing[i] = nr
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, nr)
		}
	}
	r.results[id] = existing
	p.ExtractedData = cloneDocument(data)
	p.UpdatedAt = r.now().UTC()
	return nil
}

func (r *memoryRepo) ListStale(_ context.Context, status Status, before time.Time) ([]*Prescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Prescription
	for _, p := range r.sorted() {
		if p.ProcessingStatus == status && p.UpdatedAt.Before(before) {
			out = append(out, clonePrescription(p))
		}
	}
	return out, nil
}

func (r *memoryRepo) Delete(_ context.Context, id string, expected Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.lookup(id, expected); err != nil {
		return err
	}
	delete(r.prescriptions, id)
	delete(r.results, id)
	return nil
}

func (r *memoryRepo) ListResults(_ context.Context, prescriptionID string) ([]*ExtractionResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedResults(r.results[prescriptionID]), nil
}

// sortedResults copies results in the order the SQL stores return them.
func sortedResults(in []*ExtractionResult) []*ExtractionResult {
	out := cloneResults(in)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModelName != out[j].ModelName {
			return out[i].ModelName < out[j].ModelName
		}
		return out[i].FieldName < out[j].FieldName
	})
	return out
}

func (r *memoryRepo) ListAllResults(_ context.Context) ([]*ExtractionResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*ExtractionResult{}
	for _, p := range r.sorted() {
		out = append(out, sortedResults(r.results[p.ID])...)
	}
	return out, nil
}

func (r *memoryRepo) ListResultsFor(_ context.Context, prescriptionIDs []string) ([]*ExtractionResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []*ExtractionResult{}
	for _, id := range prescriptionIDs {
		out = append(out, sortedResults(r.results[id])...)
	}
	return out, nil
}
