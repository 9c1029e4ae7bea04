package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rxextract/rxextract/internal/extraction/merge"
	"github.com/rxextract/rxextract/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgRepo struct {
	pool *pgxpool.Pool
}

func NewPGRepo(pool *pgxpool.Pool) Repository {
	return &pgRepo{pool: pool}
}

func (r *pgRepo) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const prescriptionCols = `id, file_name, file_size, mime_type, image_data, processing_status,
	extracted_data, uploaded_at, created_at, updated_at`

const resultCols = `id, prescription_id, model_name, field_name, extracted_value, confidence,
	processing_time, created_at`

func (r *pgRepo) scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	var data []byte
	err := row.Scan(&p.ID, &p.FileName, &p.FileSize, &p.MIMEType, &p.ImageData, &p.ProcessingStatus,
		&data, &p.UploadedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &p.ExtractedData); err != nil {
		return nil, fmt.Errorf("decode extracted_data for %s: %w", p.ID, err)
	}
	p.ExtractedData = nonNil(p.ExtractedData)
	return &p, nil
}

func (r *pgRepo) collectPrescriptions(rows pgx.Rows) ([]*Prescription, error) {
	defer rows.Close()
	var out []*Prescription
	for rows.Next() {
		p, err := r.scanPrescription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgRepo) collectResults(rows pgx.Rows) ([]*ExtractionResult, error) {
	defer rows.Close()
	out := []*ExtractionResult{}
	for rows.Next() {
		var res ExtractionResult
		if err := rows.Scan(&res.ID, &res.PrescriptionID, &res.ModelName, &res.FieldName,
			&res.ExtractedValue, &res.Confidence, &res.ProcessingTime, &res.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &res)
	}
	return out, rows.Err()
}

func (r *pgRepo) Create(ctx context.Context, p *Prescription) error {
	data, err := json.Marshal(nonNil(p.ExtractedData))
	if err != nil {
		return err
	}
	if p.UploadedAt.IsZero() {
		p.UploadedAt = time.Now().UTC()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescriptions (id, file_name, file_size, mime_type, image_data,
			processing_status, extracted_data, uploaded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		p.ID, p.FileName, p.FileSize, p.MIMEType, p.ImageData,
		p.ProcessingStatus, data, p.UploadedAt,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *pgRepo) GetByID(ctx context.Context, id string) (*Prescription, error) {
	return r.scanPrescription(r.conn(ctx).QueryRow(ctx,
		`SELECT `+prescriptionCols+` FROM prescriptions WHERE id = $1`, id))
}

func (r *pgRepo) List(ctx context.Context, limit, offset int) ([]*Prescription, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM prescriptions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+prescriptionCols+` FROM prescriptions
		ORDER BY uploaded_at DESC, id DESC LIMIT $1 OFFSET $2`, lim, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collectPrescriptions(rows)
	return items, total, err
}

func (r *pgRepo) GetMany(ctx context.Context, ids []string) ([]*Prescription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+prescriptionCols+` FROM prescriptions
		WHERE id = ANY($1) ORDER BY array_position($1, id)`, ids)
	if err != nil {
		return nil, err
	}
	return r.collectPrescriptions(rows)
}

// casFailure distinguishes a missing row from one in another status after
// a conditional write touched nothing.
func (r *pgRepo) casFailure(ctx context.Context, id string) error {
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM prescriptions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStatusConflict
}

func (r *pgRepo) UpdateImage(ctx context.Context, id, imageData, mimeType, fileSize string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescriptions SET image_data=$2, mime_type=$3, file_size=$4, updated_at=NOW()
		WHERE id = $1 AND processing_status = 'pending'`,
		id, imageData, mimeType, fileSize)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.casFailure(ctx, id)
	}
	return nil
}

func (r *pgRepo) FillImage(ctx context.Context, id, imageData, mimeType string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescriptions SET image_data=$2, mime_type=$3, updated_at=NOW()
		WHERE id = $1 AND (image_data = '' OR image_data LIKE '%,')`,
		id, imageData, mimeType)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgRepo) ListMissingImages(ctx context.Context) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+prescriptionCols+` FROM prescriptions
		WHERE image_data = '' OR image_data LIKE '%,' ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, err
	}
	return r.collectPrescriptions(rows)
}

func (r *pgRepo) TransitionStatus(ctx context.Context, id string, from, to Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescriptions SET processing_status=$3, updated_at=NOW()
		WHERE id = $1 AND processing_status = $2`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.casFailure(ctx, id)
	}
	return nil
}

func (r *pgRepo) insertResult(ctx context.Context, res *ExtractionResult, upsert bool) error {
	q := `INSERT INTO extraction_results (` + resultCols + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if upsert {
		q += ` ON CONFLICT (prescription_id, model_name, field_name) DO UPDATE SET
			extracted_value = EXCLUDED.extracted_value,
			confidence = EXCLUDED.confidence,
			processing_time = EXCLUDED.processing_time,
			created_at = EXCLUDED.created_at`
	}
	_, err := r.conn(ctx).Exec(ctx, q,
		res.ID, res.PrescriptionID, res.ModelName, res.FieldName, res.ExtractedValue,
		res.Confidence, res.ProcessingTime, res.CreatedAt)
	return err
}

func (r *pgRepo) CompleteRun(ctx context.Context, id string, status Status, results []*ExtractionResult, data merge.Document) error {
	doc, err := json.Marshal(nonNil(data))
	if err != nil {
		return err
	}
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE prescriptions SET processing_status=$2, extracted_data=$3, updated_at=NOW()
			WHERE id = $1 AND processing_status = 'processing'`, id, status, doc)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return r.casFailure(ctx, id)
		}
		if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM extraction_results WHERE prescription_id = $1`, id); err != nil {
			return err
		}
		for _, res := range results {
			if err := r.insertResult(ctx, res, false); err != nil {
				return fmt.Errorf("insert result %s/%s: %w", res.ModelName, res.FieldName, err)
			}
		}
		return nil
	})
}

func (r *pgRepo) ApplyCorrections(ctx context.Context, id string, results []*ExtractionResult, data merge.Document) error {
	doc, err := json.Marshal(nonNil(data))
	if err != nil {
		return err
	}
	return db.InTx(ctx, r.pool, func(ctx context.Context) error {
		tag, err := r.conn(ctx).Exec(ctx, `
			UPDATE prescriptions SET extracted_data=$2, updated_at=NOW()
			WHERE id = $1 AND processing_status = 'completed'`, id, doc)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return r.casFailure(ctx, id)
		}
		for _, res := range results {
			if err := r.insertResult(ctx, res, true); err != nil {
				return fmt.Errorf("upsert correction %s: %w", res.FieldName, err)
			}
		}
		return nil
	})
}

func (r *pgRepo) ListStale(ctx context.Context, status Status, before time.Time) ([]*Prescription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+prescriptionCols+` FROM prescriptions
		WHERE processing_status = $1 AND updated_at < $2 ORDER BY updated_at`, status, before)
	if err != nil {
		return nil, err
	}
	return r.collectPrescriptions(rows)
}

func (r *pgRepo) Delete(ctx context.Context, id string, expected Status) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM prescriptions WHERE id = $1 AND processing_status = $2`, id, expected)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.casFailure(ctx, id)
	}
	return nil
}

func (r *pgRepo) ListResults(ctx context.Context, prescriptionID string) ([]*ExtractionResult, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+resultCols+` FROM extraction_results
		WHERE prescription_id = $1 ORDER BY model_name, field_name`, prescriptionID)
	if err != nil {
		return nil, err
	}
	return r.collectResults(rows)
}

func (r *pgRepo) ListAllResults(ctx context.Context) ([]*ExtractionResult, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+resultCols+` FROM extraction_results
		ORDER BY created_at DESC, prescription_id, model_name, field_name`)
	if err != nil {
		return nil, err
	}
	return r.collectResults(rows)
}

func (r *pgRepo) ListResultsFor(ctx context.Context, prescriptionIDs []string) ([]*ExtractionResult, error) {
	if len(prescriptionIDs) == 0 {
		return []*ExtractionResult{}, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+resultCols+` FROM extraction_results
		WHERE prescription_id = ANY($1) ORDER BY model_name, field_name`, prescriptionIDs)
	if err != nil {
		return nil, err
	}
	out, err := r.collectResults(rows)
	if err != nil {
		return nil, err
	}
	orderResults(out, prescriptionIDs)
	return out, nil
}
