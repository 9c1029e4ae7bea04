// Package gateway invokes external vision models against prescription images
// and turns their replies into per-field values with confidence and timing.
//
// The gateway never retries; a failed or timed-out call is reported as an
// upstream error and the caller decides what to do with it.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/rxextract/rxextract/internal/platform/apperr"
)

// Request is what a vendor client sends: one prompt and one image.
type Request struct {
	Prompt   string
	Image    []byte
	MIMEType string
}

// Client performs a single vision completion and returns the model's text.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (string, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (string, error) { return f(ctx, req) }

// Backend registers one model under a canonical id.
type Backend struct {
	ID                string
	DisplayName       string
	Aliases           []string
	DefaultConfidence float64
	Client            Client
}

// ModelInfo describes a registered model.
type ModelInfo struct {
	ID                string   `json:"id"`
	DisplayName       string   `json:"displayName"`
	Aliases           []string `json:"aliases"`
	DefaultConfidence float64  `json:"defaultConfidence"`
}

type Options struct {
	// Timeout bounds each invocation, including the wait for a rate token.
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Invocation asks one model to extract fields from one image. Prompts may
// be keyed by field id or by model name; model-keyed prompts apply only to
// that model.
type Invocation struct {
	Model    string
	Image    []byte
	MIMEType string
	Fields   []string
	Prompts  map[string]string
}

type FieldValue struct {
	Value      string
	Confidence float64
}

// Output is one model's successful extraction.
type Output struct {
	Model          string
	Fields         map[string]FieldValue
	ProcessingTime time.Duration
	// SchemaErr is set when the reply parsed but did not match the
	// prescription schema. The fields are still usable.
	SchemaErr error
}

type registered struct {
	Backend
	limiter *rate.Limiter
}

type Gateway struct {
	backends map[string]*registered
	order    []string
	aliases  map[string]string
	opts     Options
	schema   *jsonschema.Schema
	logger   zerolog.Logger
}

func New(opts Options, logger zerolog.Logger, backends ...Backend) (*Gateway, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		backends: make(map[string]*registered, len(backends)),
		aliases:  make(map[string]string),
		opts:     opts,
		schema:   schema,
		logger:   logger.With().Str("component", "gateway").Logger(),
	}
	for _, b := range backends {
		if b.ID == "" || b.Client == nil {
			return nil, fmt.Errorf("backend %q: id and client are required", b.ID)
		}
		if _, dup := g.backends[b.ID]; dup {
			return nil, fmt.Errorf("backend %q registered twice", b.ID)
		}
		g.backends[b.ID] = &registered{
			Backend: b,
			limiter: rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		}
		g.order = append(g.order, b.ID)
		for _, name := range append([]string{b.ID, b.DisplayName}, b.Aliases...) {
			if key := normalize(name); key != "" {
				g.aliases[key] = b.ID
			}
		}
	}
	return g, nil
}

// normalize folds case and drops everything but letters and digits, so
// "OpenAI GPT-4V" and "openai-gpt4v" name the same model.
func normalize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Resolve maps a model name or alias to its canonical id.
func (g *Gateway) Resolve(name string) (string, error) {
	if id, ok := g.aliases[normalize(name)]; ok {
		return id, nil
	}
	return "", apperr.Configuration("unknown model %q (supported: %s)", name, strings.Join(g.order, ", "))
}

// ResolveAll resolves names in order, dropping duplicates.
func (g *Gateway) ResolveAll(names []string) ([]string, error) {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		id, err := g.Resolve(n)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}

// Models returns the canonical ids in registration order.
func (g *Gateway) Models() []string {
	return append([]string(nil), g.order...)
}

func (g *Gateway) Info() []ModelInfo {
	out := make([]ModelInfo, 0, len(g.order))
	for _, id := range g.order {
		b := g.backends[id]
		aliases := append([]string(nil), b.Aliases...)
		sort.Strings(aliases)
		out = append(out, ModelInfo{ID: id, DisplayName: b.DisplayName, Aliases: aliases, DefaultConfidence: b.DefaultConfidence})
	}
	return out
}

// Invoke runs one model against one image.
func (g *Gateway) Invoke(ctx context.Context, inv Invocation) (*Output, error) {
	id, err := g.Resolve(inv.Model)
	if err != nil {
		return nil, err
	}
	if len(inv.Image) == 0 {
		return nil, apperr.Validation("image data is empty")
	}
	b := g.backends[id]

	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, apperr.Upstream(id, fmt.Errorf("rate limit: %w", err))
	}

	fieldPrompts, modelPrompt := g.splitPrompts(id, inv.Prompts)
	req := Request{
		Prompt:   BuildPrompt(inv.Fields, fieldPrompts, modelPrompt),
		Image:    inv.Image,
		MIMEType: inv.MIMEType,
	}
	if req.MIMEType == "" {
		req.MIMEType = "image/jpeg"
	}

	start := time.Now()
	text, err := b.Client.Complete(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, apperr.Upstream(id, err)
	}

	doc, err := parseDocument(text)
	if err != nil {
		return nil, apperr.Upstream(id, err)
	}

	out := &Output{Model: id, ProcessingTime: elapsed}
	if verr := g.schema.Validate(doc); verr != nil {
		out.SchemaErr = verr
		g.logger.Warn().Str("model", id).Err(verr).Msg("reply does not match prescription schema, continuing")
	}

	conf := documentConfidence(doc, b.DefaultConfidence)
	perField := fieldConfidences(doc)
	out.Fields = make(map[string]FieldValue)
	for key, value := range flattenDocument(doc) {
		if !Requested(inv.Fields, key) {
			continue
		}
		c := conf
		if fc, ok := lookupConfidence(perField, key); ok {
			c = fc
		}
		out.Fields[key] = FieldValue{Value: value, Confidence: c}
	}

	g.logger.Debug().
		Str("model", id).
		Int("fields", len(out.Fields)).
		Int64("elapsed_ms", elapsed.Milliseconds()).
		Msg("model invocation complete")
	return out, nil
}

// splitPrompts separates field prompts from instructions aimed at a model.
// Prompts addressed to a different model are dropped.
func (g *Gateway) splitPrompts(model string, prompts map[string]string) (map[string]string, string) {
	fields := make(map[string]string, len(prompts))
	var modelPrompt []string
	keys := make([]string, 0, len(prompts))
	for k := range prompts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := strings.TrimSpace(prompts[k])
		if v == "" {
			continue
		}
		if id, ok := g.aliases[normalize(k)]; ok {
			if id == model {
				modelPrompt = append(modelPrompt, v)
			}
			continue
		}
		fields[k] = v
	}
	return fields, strings.Join(modelPrompt, "\n")
}
