package prescription

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rxextract/rxextract/internal/extraction/merge"
	"github.com/rxextract/rxextract/internal/platform/db"
	"github.com/rxextract/rxextract/migrations"
)

func newSQLiteTestRepo(t *testing.T) Repository {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "rx.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	fsys, err := migrations.For("sqlite", "")
	if err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if _, err := db.NewSQLMigrator(sqlDB, fsys).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLiteRepo(sqlDB)
}

var repoFactories = map[string]func(t *testing.T) Repository{
	"memory": func(*testing.T) Repository { return NewMemoryRepo() },
	"sqlite": newSQLiteTestRepo,
}

func seed(t *testing.T, repo Repository, id string, uploaded time.Time, image string) *Prescription {
	t.Helper()
	p := &Prescription{
		ID:               id,
		FileName:         id + ".jpg",
		FileSize:         "3 B",
		MIMEType:         MIMEJPEG,
		ImageData:        image,
		ProcessingStatus: StatusPending,
		UploadedAt:       uploaded,
	}
	if err := repo.Create(context.Background(), p); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return p
}

func result(prescriptionID, model, field, value string, conf float64) *ExtractionResult {
	return &ExtractionResult{
		ID:             prescriptionID + "-" + model + "-" + field,
		PrescriptionID: prescriptionID,
		ModelName:      model,
		FieldName:      field,
		ExtractedValue: value,
		Confidence:     conf,
		ProcessingTime: 120,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestRepositories(t *testing.T) {
	for name, factory := range repoFactories {
		t.Run(name, func(t *testing.T) {
			t.Run("CreateGetList", func(t *testing.T) { testCreateGetList(t, factory(t)) })
			t.Run("StatusCAS", func(t *testing.T) { testStatusCAS(t, factory(t)) })
			t.Run("CompleteRun", func(t *testing.T) { testCompleteRun(t, factory(t)) })
			t.Run("DeleteCascades", func(t *testing.T) { testDeleteCascades(t, factory(t)) })
			t.Run("Images", func(t *testing.T) { testImages(t, factory(t)) })
			t.Run("Corrections", func(t *testing.T) { testCorrections(t, factory(t)) })
			t.Run("Stale", func(t *testing.T) { testStale(t, factory(t)) })
		})
	}
}

func testCreateGetList(t *testing.T, repo Repository) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	seed(t, repo, "a", base, "data:image/jpeg;base64,YWJj")
	seed(t, repo, "b", base.Add(time.Minute), "")
	seed(t, repo, "c", base.Add(2*time.Minute), "")

	got, err := repo.GetByID(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ProcessingStatus != StatusPending || got.ImageData != "data:image/jpeg;base64,YWJj" {
		t.Errorf("unexpected prescription %+v", got)
	}
	if got.ExtractedData == nil || len(got.ExtractedData) != 0 {
		t.Errorf("expected empty extracted data, got %v", got.ExtractedData)
	}
	if !got.UploadedAt.Equal(base) {
		t.Errorf("uploadedAt = %s, want %s", got.UploadedAt, base)
	}
	if got.CreatedAt.IsZero() {
		t.Error("createdAt not set")
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	all, total, err := repo.List(ctx, 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("unexpected list order/total: %d %v", total, ids(all))
	}

	page, total, err := repo.List(ctx, 1, 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if total != 3 || len(page) != 1 || page[0].ID != "b" {
		t.Errorf("unexpected page: %d %v", total, ids(page))
	}

	many, err := repo.GetMany(ctx, []string{"c", "missing", "a"})
	if err != nil {
		t.Fatalf("get many: %v", err)
	}
	if got := ids(many); len(got) != 2 || got[0] != "c" || got[1] != "a" {
		t.Errorf("GetMany = %v", got)
	}
}

func ids(ps []*Prescription) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func testStatusCAS(t *testing.T, repo Repository) {
	ctx := context.Background()
	seed(t, repo, "p", time.Now(), "data:image/jpeg;base64,YWJj")

	if err := repo.TransitionStatus(ctx, "p", StatusPending, StatusProcessing); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := repo.TransitionStatus(ctx, "p", StatusPending, StatusProcessing); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("second start should conflict, got %v", err)
	}
	if err := repo.TransitionStatus(ctx, "nope", StatusPending, StatusProcessing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := repo.UpdateImage(ctx, "p", "x", MIMEPNG, "1 B"); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("image update while processing should conflict, got %v", err)
	}
}

func testCompleteRun(t *testing.T, repo Repository) {
	ctx := context.Background()
	seed(t, repo, "p", time.Now(), "data:image/jpeg;base64,YWJj")
	seed(t, repo, "q", time.Now(), "")

	results := []*ExtractionResult{
		result("p", "openai", "patient_patientName", "X", 0.9),
		result("p", "claude", "patient_patientName", "Y", 0.95),
	}
	doc := merge.Document{"patient": {"patientName": "Y"}}

	if err := repo.CompleteRun(ctx, "p", StatusCompleted, results, doc); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("completing a pending run should conflict, got %v", err)
	}
	if err := repo.TransitionStatus(ctx, "p", StatusPending, StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if err := repo.CompleteRun(ctx, "p", StatusCompleted, results, doc); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, _ := repo.GetByID(ctx, "p")
	if got.ProcessingStatus != StatusCompleted || got.ExtractedData["patient"]["patientName"] != "Y" {
		t.Errorf("unexpected prescription after run: %+v", got)
	}
	stored, err := repo.ListResults(ctx, "p")
	if err != nil || len(stored) != 2 {
		t.Fatalf("results = %v, %v", stored, err)
	}
	if stored[0].ModelName != "claude" || stored[0].ProcessingTime != 120 {
		t.Errorf("unexpected first result %+v", stored[0])
	}

	if err := repo.CompleteRun(ctx, "p", StatusFailed, nil, nil); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("terminal prescription accepted a second completion: %v", err)
	}

	all, _ := repo.ListAllResults(ctx)
	if len(all) != 2 {
		t.Errorf("expected 2 results overall, got %d", len(all))
	}
	forQ, _ := repo.ListResultsFor(ctx, []string{"q"})
	if forQ == nil || len(forQ) != 0 {
		t.Errorf("expected empty non-nil results for q, got %v", forQ)
	}
}

func testDeleteCascades(t *testing.T, repo Repository) {
	ctx := context.Background()
	seed(t, repo, "p", time.Now(), "data:image/jpeg;base64,YWJj")
	_ = repo.TransitionStatus(ctx, "p", StatusPending, StatusProcessing)
	_ = repo.CompleteRun(ctx, "p", StatusCompleted,
		[]*ExtractionResult{result("p", "openai", "vitals_pulse", "72", 0.8)},
		merge.Document{"vitals": {"pulse": "72"}})

	if err := repo.Delete(ctx, "p", StatusPending); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("delete with stale status should conflict, got %v", err)
	}
	if err := repo.Delete(ctx, "p", StatusCompleted); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.GetByID(ctx, "p"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected deleted, got %v", err)
	}
	if res, _ := repo.ListResults(ctx, "p"); len(res) != 0 {
		t.Errorf("results survived delete: %v", res)
	}
	if err := repo.Delete(ctx, "p", StatusCompleted); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	if err := repo.CompleteRun(ctx, "p", StatusCompleted, nil, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("late completion for deleted id should report not found, got %v", err)
	}
}

func testImages(t *testing.T, repo Repository) {
	ctx := context.Background()
	seed(t, repo, "empty", time.Now(), "")
	seed(t, repo, "full", time.Now().Add(-time.Minute), "data:image/jpeg;base64,YWJj")

	missing, err := repo.ListMissingImages(ctx)
	if err != nil || len(missing) != 1 || missing[0].ID != "empty" {
		t.Fatalf("missing images = %v, %v", missing, err)
	}
	if err := repo.FillImage(ctx, "full", "data:image/png;base64,eHl6", MIMEPNG); !errors.Is(err, ErrNotFound) {
		t.Errorf("filling an existing image should be refused, got %v", err)
	}
	if err := repo.FillImage(ctx, "empty", "data:image/png;base64,eHl6", MIMEPNG); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if err := repo.UpdateImage(ctx, "full", "data:image/png;base64,eHl6", MIMEPNG, "3 B"); err != nil {
		t.Fatalf("update pending image: %v", err)
	}
	got, _ := repo.GetByID(ctx, "full")
	if got.MIMEType != MIMEPNG || got.ImageData != "data:image/png;base64,eHl6" {
		t.Errorf("image not replaced: %+v", got)
	}
}

func testCorrections(t *testing.T, repo Repository) {
	ctx := context.Background()
	seed(t, repo, "p", time.Now(), "data:image/jpeg;base64,YWJj")
	corr := []*ExtractionResult{result("p", ModelManual, "patient_patientName", "Z", 1)}
	doc := merge.Document{"patient": {"patientName": "Z"}}

	if err := repo.ApplyCorrections(ctx, "p", corr, doc); !errors.Is(err, ErrStatusConflict) {
		t.Errorf("corrections on a pending prescription should conflict, got %v", err)
	}

	_ = repo.TransitionStatus(ctx, "p", StatusPending, StatusProcessing)
	_ = repo.CompleteRun(ctx, "p", StatusCompleted,
		[]*ExtractionResult{result("p", "openai", "patient_patientName", "X", 0.9)},
		merge.Document{"patient": {"patientName": "X"}})

	if err := repo.ApplyCorrections(ctx, "p", corr, doc); err != nil {
		t.Fatalf("apply: %v", err)
	}
	again := []*ExtractionResult{result("p", ModelManual, "patient_patientName", "W", 1)}
	again[0].ID = "second-id"
	if err := repo.ApplyCorrections(ctx, "p", again, merge.Document{"patient": {"patientName": "W"}}); err != nil {
		t.Fatalf("apply again: %v", err)
	}

	stored, _ := repo.ListResults(ctx, "p")
	if len(stored) != 2 {
		t.Fatalf("expected original plus one manual result, got %d", len(stored))
	}
	var manual *ExtractionResult
	for _, r := range stored {
		if r.ModelName == ModelManual {
			manual = r
		}
	}
	if manual == nil || manual.ExtractedValue != "W" {
		t.Errorf("manual result not upserted: %+v", manual)
	}
	got, _ := repo.GetByID(ctx, "p")
	if got.ExtractedData["patient"]["patientName"] != "W" {
		t.Errorf("extracted data not corrected: %v", got.ExtractedData)
	}
}

func testStale(t *testing.T, repo Repository) {
	ctx := context.Background()
	seed(t, repo, "p", time.Now(), "data:image/jpeg;base64,YWJj")
	seed(t, repo, "idle", time.Now(), "data:image/jpeg;base64,YWJj")
	_ = repo.TransitionStatus(ctx, "p", StatusPending, StatusProcessing)

	stale, err := repo.ListStale(ctx, StatusProcessing, time.Now().Add(time.Minute))
	if err != nil || len(stale) != 1 || stale[0].ID != "p" {
		t.Fatalf("stale = %v, %v", stale, err)
	}
	stale, _ = repo.ListStale(ctx, StatusProcessing, time.Now().Add(-time.Hour))
	if len(stale) != 0 {
		t.Errorf("fresh run reported stale: %v", ids(stale))
	}
}
