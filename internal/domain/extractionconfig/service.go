package extractionconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rxextract/rxextract/internal/platform/apperr"
)

// ModelResolver validates model names against the registered models.
type ModelResolver interface {
	ResolveAll(names []string) ([]string, error)
}

type Service struct {
	repo     Repository
	resolver ModelResolver
	logger   zerolog.Logger
}

func NewService(repo Repository, resolver ModelResolver, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		resolver: resolver,
		logger:   logger.With().Str("component", "configs").Logger(),
	}
}

func repoError(err error) error {
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound("Configuration not found")
	}
	return err
}

func (s *Service) validate(c *Config) error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return apperr.Validation("name is required")
	}
	c.SelectedModels = compact(c.SelectedModels)
	if len(c.SelectedModels) == 0 {
		return apperr.Validation("selectedModels must contain at least one model")
	}
	c.SelectedFields = compact(c.SelectedFields)
	if len(c.SelectedFields) == 0 {
		return apperr.Validation("selectedFields must contain at least one field")
	}
	if s.resolver != nil {
		if _, err := s.resolver.ResolveAll(c.SelectedModels); err != nil {
			return err
		}
	}
	if c.CustomPrompts == nil {
		c.CustomPrompts = map[string]string{}
	}
	return nil
}

// compact trims entries and drops blanks and repeats, keeping order.
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func (s *Service) List(ctx context.Context) ([]*Config, error) {
	return s.repo.List(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (*Config, error) {
	c, err := s.repo.GetByID(ctx, id)
	return c, repoError(err)
}

// Default returns the default configuration, or nil when none is marked.
func (s *Service) Default(ctx context.Context) (*Config, error) {
	c, err := s.repo.GetDefault(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

func (s *Service) Create(ctx context.Context, c *Config) (*Config, error) {
	if err := s.validate(c); err != nil {
		return nil, err
	}
	c.ID = uuid.NewString()
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("create configuration: %w", err)
	}
	s.logger.Info().Str("config_id", c.ID).Str("name", c.Name).Bool("default", c.IsDefault).Msg("configuration created")
	return c, nil
}

func (s *Service) Update(ctx context.Context, id string, patch Patch) (*Config, error) {
	c, err := s.repo.Update(ctx, id, func(c *Config) error {
		patch.apply(c)
		return s.validate(c)
	})
	if err != nil {
		return nil, repoError(err)
	}
	s.logger.Info().Str("config_id", c.ID).Bool("default", c.IsDefault).Msg("configuration updated")
	return c, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return repoError(err)
	}
	s.logger.Info().Str("config_id", id).Msg("configuration deleted")
	return nil
}

// DefaultConfig is the configuration seeded into an empty store.
func DefaultConfig() *Config {
	return &Config{
		Name:           "Default Configuration",
		SelectedModels: []string{"openai", "claude", "gemini"},
		SelectedFields: []string{"patientDetails", "vitals", "medications", "investigations", "doctorDetails", "followUp"},
		CustomPrompts: map[string]string{
			"patientDetails": "Extract the patient's name, age, gender, UHID or membership number, allergies and diagnosis. Copy names exactly as written.",
			"vitals":         "Extract blood pressure, pulse, temperature, SpO2, weight, height and BMI with their units.",
			"medications":    "For every medication extract the drug name, formulation, strength, route, frequency, duration and special instructions.",
			"investigations": "List every laboratory test, imaging study or other investigation that was ordered.",
			"doctorDetails":  "Extract the doctor's name, registration number and whether a signature or stamp is present.",
			"followUp":       "Extract the follow-up date and any review or next-visit instructions.",
		},
		IsDefault: true,
	}
}

// Seed stores DefaultConfig when no configuration exists yet. It reports
// whether it created one.
func (s *Service) Seed(ctx context.Context) (bool, error) {
	n, err := s.repo.Count(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	if _, err := s.Create(ctx, DefaultConfig()); err != nil {
		return false, err
	}
	return true, nil
}
