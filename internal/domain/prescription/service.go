package prescription

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxextract/rxextract/internal/extraction/merge"
	"github.com/rxextract/rxextract/internal/platform/apperr"
	"github.com/rxextract/rxextract/internal/platform/websocket"
	"github.com/rxextract/rxextract/pkg/pagination"
)

// deleteAttempts bounds the read-guard-delete loop when the status keeps
// changing underneath it.
const deleteAttempts = 3

type Options struct {
	MaxUploadBytes int64
	MaxUploadFiles int
	AssetsDir      string
}

type Service struct {
	repo   Repository
	events websocket.Publisher
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, events websocket.Publisher, opts Options, logger zerolog.Logger) *Service {
	if events == nil {
		events = websocket.NopPublisher{}
	}
	return &Service{
		repo:   repo,
		events: events,
		opts:   opts,
		logger: logger.With().Str("component", "prescriptions").Logger(),
		now:    time.Now,
	}
}

// Repo exposes the repository to collaborators that drive processing.
func (s *Service) Repo() Repository { return s.repo }

// MaxUploadBytes is the per-file limit uploads are checked against.
func (s *Service) MaxUploadBytes() int64 { return s.opts.MaxUploadBytes }

func (s *Service) publish(ctx context.Context, typ, id string, status Status) {
	s.events.Publish(ctx, websocket.Event{
		Type:           typ,
		PrescriptionID: id,
		Status:         string(status),
		Timestamp:      s.now().UTC(),
	})
}

// RepoError maps repository sentinels onto API errors.
func RepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound("Prescription not found")
	case errors.Is(err, ErrStatusConflict):
		return apperr.InvalidState("prescription status changed, retry the request")
	default:
		return err
	}
}

// Upload stores every file as a new pending prescription. Files are all
// checked before any is stored.
func (s *Service) Upload(ctx context.Context, files []*multipart.FileHeader) ([]*Prescription, error) {
	if len(files) == 0 {
		return nil, apperr.Validation("No files uploaded")
	}
	if s.opts.MaxUploadFiles > 0 && len(files) > s.opts.MaxUploadFiles {
		return nil, apperr.Validation("At most %d files may be uploaded at once", s.opts.MaxUploadFiles)
	}

	uploads := make([]Upload, 0, len(files))
	for _, fh := range files {
		u, err := ReadUpload(fh, s.opts.MaxUploadBytes)
		if err != nil {
			return nil, err
		}
		uploads = append(uploads, u)
	}

	out := make([]*Prescription, 0, len(uploads))
	for _, u := range uploads {
		p, err := s.Create(ctx, u)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Create stores one upload as a pending prescription.
func (s *Service) Create(ctx context.Context, u Upload) (*Prescription, error) {
	p := &Prescription{
		ID:               uuid.NewString(),
		FileName:         u.FileName,
		FileSize:         u.FileSize(),
		MIMEType:         u.MIMEType,
		ImageData:        u.DataURL(),
		ProcessingStatus: StatusPending,
		ExtractedData:    merge.Document{},
		UploadedAt:       s.now().UTC(),
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create prescription: %w", err)
	}
	s.logger.Info().Str("prescription_id", p.ID).Str("file", p.FileName).Str("size", p.FileSize).Msg("prescription uploaded")
	s.publish(ctx, websocket.EventCreated, p.ID, p.ProcessingStatus)
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, RepoError(err)
	}
	results, err := s.repo.ListResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Prescription: p, ExtractionResults: results}, nil
}

func (s *Service) List(ctx context.Context, page pagination.Params) ([]Summary, int, error) {
	items, total, err := s.repo.List(ctx, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]Summary, 0, len(items))
	for _, p := range items {
		out = append(out, p.Summary())
	}
	return out, total, nil
}

// Delete removes a prescription and its results. Completed prescriptions
// need force. A status change between the read and the delete is retried
// so the guard always sees the status the delete acts on.
func (s *Service) Delete(ctx context.Context, id string, force bool) error {
	for attempt := 0; attempt < deleteAttempts; attempt++ {
		p, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return RepoError(err)
		}
		if err := DeleteGuard(p.ProcessingStatus, force); err != nil {
			return err
		}
		err = s.repo.Delete(ctx, id, p.ProcessingStatus)
		if errors.Is(err, ErrStatusConflict) {
			continue
		}
		if err != nil {
			return RepoError(err)
		}
		s.logger.Info().Str("prescription_id", id).Str("status", string(p.ProcessingStatus)).Bool("force", force).Msg("prescription deleted")
		s.publish(ctx, websocket.EventDeleted, id, p.ProcessingStatus)
		return nil
	}
	return RepoError(ErrStatusConflict)
}

// ListResults returns one prescription's results, or every result when
// prescriptionID is empty.
func (s *Service) ListResults(ctx context.Context, prescriptionID string) ([]*ExtractionResult, error) {
	if prescriptionID == "" {
		return s.repo.ListAllResults(ctx)
	}
	return s.repo.ListResults(ctx, prescriptionID)
}

// Image returns the stored image bytes, or an SVG placeholder when there
// are none.
func (s *Service) Image(ctx context.Context, id string) ([]byte, string, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, "", RepoError(err)
	}
	b, mime, err := DecodeImage(p.ImageData, p.MIMEType)
	if err != nil || len(b) == 0 {
		return []byte(placeholderSVG), "image/svg+xml", nil
	}
	return b, mime, nil
}

// UpdateFields applies manual corrections to a completed prescription. Each
// correction is stored as a full-confidence result from the manual model so
// the merged document stays derivable from the results.
func (s *Service) UpdateFields(ctx context.Context, id string, updates map[string]string) (*Detail, error) {
	if len(updates) == 0 {
		return nil, apperr.Validation("fieldUpdates must contain at least one field")
	}
	for field, value := range updates {
		if strings.TrimSpace(field) == "" {
			return nil, apperr.Validation("field names must not be empty")
		}
		if merge.IsAbsent(value) {
			return nil, apperr.Validation("field %s: %q is not a value, send an empty string to blank it", field, value)
		}
	}

	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, RepoError(err)
	}
	if p.ProcessingStatus != StatusCompleted {
		return nil, apperr.Validation("Only completed prescriptions can be corrected (status is %s)", p.ProcessingStatus)
	}

	doc := cloneDocument(p.ExtractedData)
	now := s.now().UTC()
	results := make([]*ExtractionResult, 0, len(updates))
	for field, value := range updates {
		doc.Set(field, value)
		results = append(results, &ExtractionResult{
			ID:             uuid.NewString(),
			PrescriptionID: id,
			ModelName:      ModelManual,
			FieldName:      field,
			ExtractedValue: value,
			Confidence:     1,
			CreatedAt:      now,
		})
	}

	if err := s.repo.ApplyCorrections(ctx, id, results, doc); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, apperr.Validation("Only completed prescriptions can be corrected")
		}
		return nil, RepoError(err)
	}
	s.logger.Info().Str("prescription_id", id).Int("fields", len(updates)).Msg("extracted data corrected")
	s.publish(ctx, websocket.EventUpdated, id, StatusCompleted)
	return s.Get(ctx, id)
}

// BackfillImages fills prescriptions that have no image from files of the
// same name in the assets directory. It returns how many were updated.
func (s *Service) BackfillImages(ctx context.Context) (int, error) {
	if s.opts.AssetsDir == "" {
		return 0, apperr.Validation("no assets directory configured")
	}
	missing, err := s.repo.ListMissingImages(ctx)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, p := range missing {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		path := filepath.Join(s.opts.AssetsDir, filepath.Base(p.FileName))
		data, err := os.ReadFile(path)
		if err != nil || len(data) == 0 {
			continue
		}
		mime := mimeFromName(p.FileName)
		if mime == "" {
			mime = p.MIMEType
		}
		if !AllowedMIME(mime) {
			continue
		}
		if err := s.repo.FillImage(ctx, p.ID, EncodeImage(mime, data), mime); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return updated, err
		}
		updated++
	}
	s.logger.Info().Int("candidates", len(missing)).Int("updated", updated).Msg("image backfill finished")
	return updated, nil
}
