package prescription

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rxextract/rxextract/internal/extraction/merge"
	"github.com/rxextract/rxextract/internal/platform/db"
)

// sqliteTime keeps stored timestamps fixed-width so they order as text.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTime) }

func parseTime(s string) (time.Time, error) { return time.Parse(sqliteTime, s) }

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepo stores prescriptions in an embedded SQLite database.
func NewSQLiteRepo(sqlDB *sql.DB) Repository {
	return &sqliteRepo{db: sqlDB, now: time.Now}
}

func (r *sqliteRepo) conn(ctx context.Context) db.SQLQuerier {
	return db.SQLConn(ctx, r.db)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *sqliteRepo) scanPrescription(row rowScanner) (*Prescription, error) {
	var p Prescription
	var status, data, uploaded, created, updated string
	err := row.Scan(&p.ID, &p.FileName, &p.FileSize, &p.MIMEType, &p.ImageData, &status,
		&data, &uploaded, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.ProcessingStatus = Status(status)
	if err := json.Unmarshal([]byte(data), &p.ExtractedData); err != nil {
		return nil, fmt.Errorf("decode extracted_data for %s: %w", p.ID, err)
	}
	p.ExtractedData = nonNil(p.ExtractedData)
	for _, f := range []struct {
		src string
		dst *time.Time
	}{{uploaded, &p.UploadedAt}, {created, &p.CreatedAt}, {updated, &p.UpdatedAt}} {
		t, err := parseTime(f.src)
		if err != nil {
			return nil, fmt.Errorf("decode timestamp for %s: %w", p.ID, err)
		}
		*f.dst = t
	}
	return &p, nil
}

func (r *sqliteRepo) collectPrescriptions(rows *sql.Rows) ([]*Prescription, error) {
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

func (r *sqliteRepo) collectResults(rows *sql.Rows) ([]*ExtractionResult, error) {
	defer rows.Close()
	out := []*ExtractionResult{}
	for rows.Next() {
		var res ExtractionResult
		var created string
		if err := rows.Scan(&res.ID, &res.PrescriptionID, &res.ModelName, &res.FieldName,
			&res.ExtractedValue, &res.Confidence, &res.ProcessingTime, &created); err != nil {
			return nil, err
		}
		t, err := parseTime(created)
		if err != nil {
			return nil, fmt.Errorf("decode result timestamp: %w", err)
		}
		res.CreatedAt = t
		out = append(out, &res)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func (r *sqliteRepo) Create(ctx context.Context, p *Prescription) error {
	data, err := json.Marshal(nonNil(p.ExtractedData))
	if err != nil {
		return err
	}
	now := r.now().UTC()
	if p.UploadedAt.IsZero() {
		p.UploadedAt = now
	}
	p.CreatedAt, p.UpdatedAt = now, now
	_, err = r.conn(ctx).ExecContext(ctx, `
		INSERT INTO prescriptions (id, file_name, file_size, mime_type, image_data,
			processing_status, extracted_data, uploaded_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.FileName, p.FileSize, p.MIMEType, p.ImageData, string(p.ProcessingStatus),
		string(data), formatTime(p.UploadedAt), formatTime(now), formatTime(now))
	return err
}

func (r *sqliteRepo) GetByID(ctx context.Context, id string) (*Prescription, error) {
	return r.scanPrescription(r.conn(ctx).QueryRowContext(ctx,
		`SELECT `+prescriptionCols+` FROM prescriptions WHERE id = ?`, id))
}

func (r *sqliteRepo) List(ctx context.Context, limit, offset int) ([]*Prescription, int, error) {
	var total int
	if err := r.conn(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM prescriptions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT `+prescriptionCols+` FROM prescriptions
		ORDER BY uploaded_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collectPrescriptions(rows)
	return items, total, err
}

func (r *sqliteRepo) GetMany(ctx context.Context, ids []string) ([]*Prescription, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT `+prescriptionCols+` FROM prescriptions
		WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	if err != nil {
		return nil, err
	}
	found, err := r.collectPrescriptions(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Prescription, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	out := make([]*Prescription, 0, len(found))
	for _, id := range ids {
		if p, ok := byID[id]; ok {
			out = append(out, p)
			delete(byID, id)
		}
	}
	return out, nil
}

func (r *sqliteRepo) casFailure(ctx context.Context, id string) error {
	var n int
	if err := r.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prescriptions WHERE id = ?`, id).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrStatusConflict
}

// execCAS runs a conditional write and reports which CAS error applies
// when it matched nothing.
func (r *sqliteRepo) execCAS(ctx context.Context, id, query string, args ...any) error {
	res, err := r.conn(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.casFailure(ctx, id)
	}
	return nil
}

func (r *sqliteRepo) UpdateImage(ctx context.Context, id, imageData, mimeType, fileSize string) error {
	return r.execCAS(ctx, id, `
		UPDATE prescriptions SET image_data=?, mime_type=?, file_size=?, updated_at=?
		WHERE id = ? AND processing_status = 'pending'`,
		imageData, mimeType, fileSize, formatTime(r.now()), id)
}

func (r *sqliteRepo) FillImage(ctx context.Context, id, imageData, mimeType string) error {
	res, err := r.conn(ctx).ExecContext(ctx, `
		UPDATE prescriptions SET image_data=?, mime_type=?, updated_at=?
		WHERE id = ? AND (image_data = '' OR image_data LIKE '%,')`,
		imageData, mimeType, formatTime(r.now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) ListMissingImages(ctx context.Context) ([]*Prescription, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT `+prescriptionCols+` FROM prescriptions
		WHERE image_data = '' OR image_data LIKE '%,' ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, err
	}
	return r.collectPrescriptions(rows)
}

func (r *sqliteRepo) TransitionStatus(ctx context.Context, id string, from, to Status) error {
	return r.execCAS(ctx, id, `
		UPDATE prescriptions SET processing_status=?, updated_at=?
		WHERE id = ? AND processing_status = ?`,
		string(to), formatTime(r.now()), id, string(from))
}

func (r *sqliteRepo) insertResult(ctx context.Context, res *ExtractionResult, upsert bool) error {
	q := `INSERT INTO extraction_results (` + resultCols + `) VALUES (?,?,?,?,?,?,?,?)`
	if upsert {
		q += ` ON CONFLICT (prescription_id, model_name, field_name) DO UPDATE SET
			extracted_value = excluded.extracted_value,
			confidence = excluded.confidence,
			processing_time = excluded.processing_time,
			created_at = excluded.created_at`
	}
	_, err := r.conn(ctx).ExecContext(ctx, q,
		res.ID, res.PrescriptionID, res.ModelName, res.FieldName, res.ExtractedValue,
		res.Confidence, res.ProcessingTime, formatTime(res.CreatedAt))
	return err
}

func (r *sqliteRepo) CompleteRun(ctx context.Context, id string, status Status, results []*ExtractionResult, data merge.Document) error {
	doc, err := json.Marshal(nonNil(data))
	if err != nil {
		return err
	}
	return db.InSQLTx(ctx, r.db, func(ctx context.Context) error {
		if err := r.execCAS(ctx, id, `
			UPDATE prescriptions SET processing_status=?, extracted_data=?, updated_at=?
			WHERE id = ? AND processing_status = 'processing'`,
			string(status), string(doc), formatTime(r.now()), id); err != nil {
			return err
		}
		if _, err := r.conn(ctx).ExecContext(ctx, `DELETE FROM extraction_results WHERE prescription_id = ?`, id); err != nil {
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

func (r *sqliteRepo) ApplyCorrections(ctx context.Context, id string, results []*ExtractionResult, data merge.Document) error {
	doc, err := json.Marshal(nonNil(data))
	if err != nil {
		return err
	}
	return db.InSQLTx(ctx, r.db, func(ctx context.Context) error {
		if err := r.execCAS(ctx, id, `
			UPDATE prescriptions SET extracted_data=?, updated_at=?
			WHERE id = ? AND processing_status = 'completed'`,
			string(doc), formatTime(r.now()), id); err != nil {
			return err
		}
		for _, res := range results {
			if err := r.insertResult(ctx, res, true); err != nil {
				return fmt.Errorf("upsert correction %s: %w", res.FieldName, err)
			}
		}
		return nil
	})
}

func (r *sqliteRepo) ListStale(ctx context.Context, status Status, before time.Time) ([]*Prescription, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT `+prescriptionCols+` FROM prescriptions
		WHERE processing_status = ? AND updated_at < ? ORDER BY updated_at`,
		string(status), formatTime(before))
	if err != nil {
		return nil, err
	}
	return r.collectPrescriptions(rows)
}

func (r *sqliteRepo) Delete(ctx context.Context, id string, expected Status) error {
	return r.execCAS(ctx, id,
		`DELETE FROM prescriptions WHERE id = ? AND processing_status = ?`, id, string(expected))
}

func (r *sqliteRepo) ListResults(ctx context.Context, prescriptionID string) ([]*ExtractionResult, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT `+resultCols+` FROM extraction_results
		WHERE prescription_id = ? ORDER BY model_name, field_name`, prescriptionID)
	if err != nil {
		return nil, err
	}
	return r.collectResults(rows)
}

func (r *sqliteRepo) ListAllResults(ctx context.Context) ([]*ExtractionResult, error) {
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT `+resultCols+` FROM extraction_results
		ORDER BY created_at DESC, prescription_id, model_name, field_name`)
	if err != nil {
		return nil, err
	}
	return r.collectResults(rows)
}

func (r *sqliteRepo) ListResultsFor(ctx context.Context, prescriptionIDs []string) ([]*ExtractionResult, error) {
	if len(prescriptionIDs) == 0 {
		return []*ExtractionResult{}, nil
	}
	rows, err := r.conn(ctx).QueryContext(ctx, `SELECT `+resultCols+` FROM extraction_results
		WHERE prescription_id IN (`+placeholders(len(prescriptionIDs))+`)
		ORDER BY model_name, field_name`, stringArgs(prescriptionIDs)...)
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
