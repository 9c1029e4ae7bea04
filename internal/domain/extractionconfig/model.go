package extractionconfig

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("extraction configuration not found")

// Config names the models, fields and prompts a processing run uses.
// CustomPrompts is keyed by field id or by model name.
type Config struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	SelectedModels []string          `json:"selectedModels"`
	SelectedFields []string          `json:"selectedFields"`
	CustomPrompts  map[string]string `json:"customPrompts"`
	IsDefault      bool              `json:"isDefault"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Patch carries the fields an update replaces; nil means unchanged.
type Patch struct {
	Name           *string            `json:"name"`
	SelectedModels *[]string          `json:"selectedModels"`
	SelectedFields *[]string          `json:"selectedFields"`
	CustomPrompts  *map[string]string `json:"customPrompts"`
	IsDefault      *bool              `json:"isDefault"`
}

func (p Patch) apply(c *Config) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.SelectedModels != nil {
		c.SelectedModels = *p.SelectedModels
	}
	if p.SelectedFields != nil {
		c.SelectedFields = *p.SelectedFields
	}
	if p.CustomPrompts != nil {
		c.CustomPrompts = *p.CustomPrompts
	}
	if p.IsDefault != nil {
		c.IsDefault = *p.IsDefault
	}
}

func (c *Config) clone() *Config {
	cp := *c
	cp.SelectedModels = append([]string(nil), c.SelectedModels...)
	cp.SelectedFields = append([]string(nil), c.SelectedFields...)
	cp.CustomPrompts = make(map[string]string, len(c.CustomPrompts))
	for k, v := range c.CustomPrompts {
		cp.CustomPrompts[k] = v
	}
	return &cp
}
