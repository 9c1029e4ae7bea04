// Package export renders prescriptions and their extraction results as CSV,
// JSON and XLSX downloads.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/rxextract/rxextract/internal/domain/prescription"
	"github.com/rxextract/rxextract/internal/extraction/merge"
)

// Source is the read side of the prescription store an export needs.
type Source interface {
	List(ctx context.Context, limit, offset int) ([]*prescription.Prescription, int, error)
	GetMany(ctx context.Context, ids []string) ([]*prescription.Prescription, error)
	ListAllResults(ctx context.Context) ([]*prescription.ExtractionResult, error)
	ListResultsFor(ctx context.Context, prescriptionIDs []string) ([]*prescription.ExtractionResult, error)
}

// SheetName is the worksheet the XLSX export writes.
const SheetName = "Prescriptions"

var baseColumns = []string{"id", "fileName", "uploadedAt", "createdAt", "processingStatus"}

// Envelope is the JSON export document.
type Envelope struct {
	Prescriptions     []*prescription.Prescription     `json:"prescriptions"`
	ExtractionResults []*prescription.ExtractionResult `json:"extractionResults"`
	ExportedAt        time.Time                        `json:"exportedAt"`
}

type Service struct {
	src    Source
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(src Source, logger zerolog.Logger) *Service {
	return &Service{src: src, logger: logger.With().Str("component", "export").Logger(), now: time.Now}
}

// SelectIDs picks the ids an export covers. A comma list in many wins over
// a single id; neither means every prescription, reported as nil.
// Duplicates are dropped, first occurrence kept.
func SelectIDs(many, single string) []string {
	var raw []string
	switch {
	case strings.TrimSpace(many) != "":
		raw = strings.Split(many, ",")
	case strings.TrimSpace(single) != "":
		raw = []string{single}
	default:
		return nil
	}
	seen := make(map[string]bool, len(raw))
	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Collect loads the selected prescriptions and their results. nil ids
// selects everything; unknown ids are skipped.
func (s *Service) Collect(ctx context.Context, ids []string) (*Envelope, error) {
	env := &Envelope{
		Prescriptions:     []*prescription.Prescription{},
		ExtractionResults: []*prescription.ExtractionResult{},
		ExportedAt:        s.now().UTC(),
	}

	var (
		rxs     []*prescription.Prescription
		results []*prescription.ExtractionResult
		err     error
	)
	if ids == nil {
		if rxs, _, err = s.src.List(ctx, 0, 0); err != nil {
			return nil, fmt.Errorf("list prescriptions: %w", err)
		}
		if results, err = s.src.ListAllResults(ctx); err != nil {
			return nil, fmt.Errorf("list results: %w", err)
		}
	} else if len(ids) > 0 {
		if rxs, err = s.src.GetMany(ctx, ids); err != nil {
			return nil, fmt.Errorf("load prescriptions: %w", err)
		}
		found := make([]string, 0, len(rxs))
		for _, p := range rxs {
			found = append(found, p.ID)
		}
		if len(found) > 0 {
			if results, err = s.src.ListResultsFor(ctx, found); err != nil {
				return nil, fmt.Errorf("list results: %w", err)
			}
		}
	}

	env.Prescriptions = append(env.Prescriptions, rxs...)
	env.ExtractionResults = append(env.ExtractionResults, results...)
	return env, nil
}

// table builds the header and rows shared by the CSV and XLSX renderings.
func table(rxs []*prescription.Prescription) ([]string, [][]string) {
	flat := make([]map[string]string, len(rxs))
	colSet := map[string]bool{}
	for i, p := range rxs {
		flat[i] = merge.Flatten(p.ExtractedData)
		for k := range flat[i] {
			colSet[k] = true
		}
	}
	fieldCols := make([]string, 0, len(colSet))
	for k := range colSet {
		fieldCols = append(fieldCols, k)
	}
	sort.Strings(fieldCols)

	header := append(append([]string{}, baseColumns...), fieldCols...)
	rows := make([][]string, 0, len(rxs))
	for i, p := range rxs {
		row := []string{
			p.ID,
			p.FileName,
			formatTime(p.UploadedAt),
			formatTime(p.CreatedAt),
			string(p.ProcessingStatus),
		}
		for _, col := range fieldCols {
			row = append(row, flat[i][col])
		}
		rows = append(rows, row)
	}
	return header, rows
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// CSV renders one row per prescription. An empty export is the header alone.
func (s *Service) CSV(ctx context.Context, ids []string) ([]byte, error) {
	env, err := s.Collect(ctx, ids)
	if err != nil {
		return nil, err
	}
	header, rows := table(env.Prescriptions)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("csv write: %w", err)
	}

	s.logger.Info().Int("rows", len(rows)).Int("columns", len(header)).Msg("csv export")
	return buf.Bytes(), nil
}

// JSON returns the envelope; arrays are never nil.
func (s *Service) JSON(ctx context.Context, ids []string) (*Envelope, error) {
	env, err := s.Collect(ctx, ids)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Int("prescriptions", len(env.Prescriptions)).Int("results", len(env.ExtractionResults)).Msg("json export")
	return env, nil
}

// XLSX renders the CSV table as a workbook with a single sheet.
func (s *Service) XLSX(ctx context.Context, ids []string) ([]byte, error) {
	start := time.Now()
	env, err := s.Collect(ctx, ids)
	if err != nil {
		return nil, err
	}
	header, rows := table(env.Prescriptions)

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return nil, err
	}
	index, err := f.GetSheetIndex(SheetName)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)

	write := func(row int, values []string) error {
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return err
			}
		}
		return nil
	}
	if err := write(1, header); err != nil {
		return nil, err
	}
	for i, r := range rows {
		if err := write(i+2, r); err != nil {
			return nil, err
		}
	}

	last, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return nil, err
	}
	if err := f.SetColWidth(SheetName, "A", "A", 38); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(SheetName, "B", last, 22); err != nil {
		return nil, err
	}
	if err := f.SetPanes(SheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info().Int("rows", len(rows)).Int64("elapsed_ms", time.Since(start).Milliseconds()).Msg("xlsx export")
	return buf.Bytes(), nil
}
