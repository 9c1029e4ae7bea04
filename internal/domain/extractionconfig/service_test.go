package extractionconfig

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rxextract/rxextract/internal/platform/apperr"
	"github.com/rxextract/rxextract/internal/platform/db"
	"github.com/rxextract/rxextract/migrations"
)

type fakeResolver map[string]bool

func (f fakeResolver) ResolveAll(names []string) ([]string, error) {
	for _, n := range names {
		if !f[n] {
			return nil, apperr.Configuration("unknown model %q", n)
		}
	}
	return names, nil
}

var resolver = fakeResolver{"openai": true, "claude": true, "gemini": true, "A": true, "B": true}

func newSQLiteTestRepo(t *testing.T) Repository {
	t.Helper()
	ctx := context.Background()
	sqlDB, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "cfg.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	fsys, err := migrations.For("sqlite", "")
	if err != nil {
		t.Fatal(err)
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

func newTestService(repo Repository) *Service {
	return NewService(repo, resolver, zerolog.New(io.Discard))
}

func validConfig(name string, isDefault bool) *Config {
	return &Config{
		Name:           name,
		SelectedModels: []string{"openai", "claude"},
		SelectedFields: []string{"patientDetails"},
		IsDefault:      isDefault,
	}
}

func countDefaults(t *testing.T, svc *Service) int {
	t.Helper()
	all, err := svc.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, c := range all {
		if c.IsDefault {
			n++
		}
	}
	return n
}

func TestService_CreateValidation(t *testing.T) {
	svc := newTestService(NewMemoryRepo())
	tests := []struct {
		name string
		cfg  *Config
		kind apperr.Kind
	}{
		{"missing name", &Config{Name: "  ", SelectedModels: []string{"openai"}, SelectedFields: []string{"x"}}, apperr.KindValidation},
		{"no models", &Config{Name: "n", SelectedFields: []string{"x"}}, apperr.KindValidation},
		{"blank models", &Config{Name: "n", SelectedModels: []string{" "}, SelectedFields: []string{"x"}}, apperr.KindValidation},
		{"no fields", &Config{Name: "n", SelectedModels: []string{"openai"}}, apperr.KindValidation},
		{"unknown model", &Config{Name: "n", SelectedModels: []string{"llama"}, SelectedFields: []string{"x"}}, apperr.KindConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), tt.cfg)
			if apperr.KindOf(err) != tt.kind {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
			if apperr.HTTPStatus(err) != 400 {
				t.Errorf("expected 400, got %d", apperr.HTTPStatus(err))
			}
		})
	}
}

func TestService_Create(t *testing.T) {
	svc := newTestService(NewMemoryRepo())
	c, err := svc.Create(context.Background(), &Config{
		Name:           " Fast ",
		SelectedModels: []string{"openai", "openai", "claude"},
		SelectedFields: []string{"medications"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		t.Errorf("server fields not assigned: %+v", c)
	}
	if c.Name != "Fast" || len(c.SelectedModels) != 2 {
		t.Errorf("input not normalised: %+v", c)
	}
	if c.CustomPrompts == nil {
		t.Error("customPrompts should default to an empty map")
	}
}

func TestService_Update(t *testing.T) {
	svc := newTestService(NewMemoryRepo())
	ctx := context.Background()
	c, _ := svc.Create(ctx, validConfig("one", false))

	name := "renamed"
	prompts := map[string]string{"claude": "Be brief."}
	updated, err := svc.Update(ctx, c.ID, Patch{Name: &name, CustomPrompts: &prompts})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "renamed" || updated.CustomPrompts["claude"] != "Be brief." {
		t.Errorf("patch not applied: %+v", updated)
	}
	if len(updated.SelectedModels) != 2 {
		t.Errorf("untouched fields changed: %+v", updated)
	}

	empty := []string{}
	if _, err := svc.Update(ctx, c.ID, Patch{SelectedFields: &empty}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := svc.Update(ctx, "missing", Patch{Name: &name}); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_ConcurrentPartialUpdates(t *testing.T) {
	for name, factory := range repoFactories {
		t.Run(name, func(t *testing.T) {
			svc := newTestService(factory(t))
			ctx := context.Background()
			c, err := svc.Create(ctx, validConfig("start", false))
			if err != nil {
				t.Fatal(err)
			}

			const rounds = 25
			var wg sync.WaitGroup
			errs := make(chan error, 2*rounds)
			wg.Add(2)
			go func() {
				defer wg.Done()
				for i := 1; i <= rounds; i++ {
					n := fmt.Sprintf("name-%d", i)
					if _, err := svc.Update(ctx, c.ID, Patch{Name: &n}); err != nil {
						errs <- err
					}
				}
			}()
			go func() {
				defer wg.Done()
				for i := 1; i <= rounds; i++ {
					fields := []string{fmt.Sprintf("field-%d", i)}
					if _, err := svc.Update(ctx, c.ID, Patch{SelectedFields: &fields}); err != nil {
						errs <- err
					}
				}
			}()
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Fatalf("update: %v", err)
			}

			got, err := svc.Get(ctx, c.ID)
			if err != nil {
				t.Fatal(err)
			}
			want := fmt.Sprintf("field-%d", rounds)
			if got.Name != fmt.Sprintf("name-%d", rounds) || len(got.SelectedFields) != 1 || got.SelectedFields[0] != want {
				t.Errorf("an update was lost: name=%q fields=%v", got.Name, got.SelectedFields)
			}
		})
	}
}

func TestService_UpdateValidationLeavesStoredConfig(t *testing.T) {
	for name, factory := range repoFactories {
		t.Run(name, func(t *testing.T) {
			svc := newTestService(factory(t))
			ctx := context.Background()
			c, _ := svc.Create(ctx, validConfig("keep", false))

			blank := "  "
			if _, err := svc.Update(ctx, c.ID, Patch{Name: &blank}); apperr.KindOf(err) != apperr.KindValidation {
				t.Fatalf("expected validation error, got %v", err)
			}
			got, err := svc.Get(ctx, c.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Name != "keep" {
				t.Errorf("rejected update was stored: %+v", got)
			}
		})
	}
}

func TestService_Delete(t *testing.T) {
	svc := newTestService(NewMemoryRepo())
	ctx := context.Background()
	c, _ := svc.Create(ctx, validConfig("one", false))
	if err := svc.Delete(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, c.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestService_SingleDefault(t *testing.T) {
	for name, factory := range repoFactories {
		t.Run(name, func(t *testing.T) {
			svc := newTestService(factory(t))
			ctx := context.Background()

			first, err := svc.Create(ctx, validConfig("first", true))
			if err != nil {
				t.Fatal(err)
			}
			second, err := svc.Create(ctx, validConfig("second", true))
			if err != nil {
				t.Fatal(err)
			}
			if n := countDefaults(t, svc); n != 1 {
				t.Fatalf("expected one default, got %d", n)
			}
			def, _ := svc.Default(ctx)
			if def == nil || def.ID != second.ID {
				t.Errorf("expected second to be default, got %+v", def)
			}

			yes := true
			if _, err := svc.Update(ctx, first.ID, Patch{IsDefault: &yes}); err != nil {
				t.Fatal(err)
			}
			def, _ = svc.Default(ctx)
			if def.ID != first.ID || countDefaults(t, svc) != 1 {
				t.Errorf("update did not move the default flag")
			}
		})
	}
}

func TestService_ConcurrentDefaults(t *testing.T) {
	for name, factory := range repoFactories {
		t.Run(name, func(t *testing.T) {
			svc := newTestService(factory(t))
			ctx := context.Background()

			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if _, err := svc.Create(ctx, validConfig(fmt.Sprintf("c%d", i), true)); err != nil {
						errs <- err
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Errorf("create: %v", err)
			}
			if n := countDefaults(t, svc); n != 1 {
				t.Errorf("expected exactly one default, got %d", n)
			}
		})
	}
}

func TestService_Seed(t *testing.T) {
	svc := newTestService(NewMemoryRepo())
	ctx := context.Background()

	created, err := svc.Seed(ctx)
	if err != nil || !created {
		t.Fatalf("seed = %v, %v", created, err)
	}
	created, _ = svc.Seed(ctx)
	if created {
		t.Error("second seed should be a no-op")
	}
	def, _ := svc.Default(ctx)
	if def == nil || def.Name != "Default Configuration" || len(def.SelectedFields) != 6 {
		t.Errorf("unexpected seeded default %+v", def)
	}
}

func TestService_DefaultNone(t *testing.T) {
	svc := newTestService(NewMemoryRepo())
	def, err := svc.Default(context.Background())
	if def != nil || err != nil {
		t.Errorf("expected nil, nil; got %v, %v", def, err)
	}
}
