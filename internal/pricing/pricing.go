// Package pricing resolves model names and computes request cost from the
// model pricing catalogue. The catalogue is loaded from the document store
// and cached with a TTL; a compiled-in table keeps the engine usable when
// the store is empty or unreachable.
package pricing

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hiveops/hive/internal/docstore"
)

// Quote sources.
const (
	SourceCatalogue    = "catalogue"
	SourceBedrockMatch = "bedrock_match"
	SourceDefault      = "default"
)

const (
	defaultTTL          = 5 * time.Minute
	reloadRetryInterval = 30 * time.Second

	// Conservative rates for models the catalogue does not know. Skewing
	// high makes budget checks trip earlier rather than later.
	defaultInputPer1M  = 5.0
	defaultOutputPer1M = 15.0
	defaultCachedPer1M = 0.5
)

// Quote is the resolved rate card for one model. Rates are USD per
// million tokens.
type Quote struct {
	InputPer1M     float64 `json:"input_per_mtok"`
	OutputPer1M    float64 `json:"output_per_mtok"`
	CachedPer1M    float64 `json:"cached_per_mtok"`
	CanonicalModel string  `json:"canonical_model"`
	Provider       string  `json:"provider"`
	Source         string  `json:"source"`
}

// CostInput names a usage sample to be priced. Cached counts tokens served
// from the provider's prompt cache; they are part of Input.
type CostInput struct {
	Model    string
	Provider string
	Input    int64
	Output   int64
	Cached   int64
}

// CostBreakdown is the priced form of a usage sample.
type CostBreakdown struct {
	Total      float64 `json:"total"`
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	CachedCost float64 `json:"cached_cost"`
	Pricing    Quote   `json:"pricing"`
}

// DegradationTarget is one model a budget can degrade to.
type DegradationTarget struct {
	Model      string  `json:"model"`
	Label      string  `json:"label"`
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	AvgCost    float64 `json:"avg_cost"`
}

// DegradationSet groups degradation targets by provider, cheapest first.
type DegradationSet struct {
	Providers []string                       `json:"providers"`
	Models    map[string][]DegradationTarget `json:"models"`
}

// catalogue is one immutable snapshot of the pricing table. Reloads build
// a fresh snapshot and swap the pointer, so the model and alias maps can
// never be observed out of step.
type catalogue struct {
	models  map[string]docstore.PricingRecord // canonical name -> record
	aliases map[string]string                 // alias -> canonical name
}

// Engine caches the pricing catalogue and answers model/rate queries.
type Engine struct {
	store docstore.Store
	ttl   time.Duration

	nowFunc func() time.Time

	mu      sync.RWMutex
	cat     *catalogue
	expires time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithTTL overrides how long a loaded catalogue is served before reload.
func WithTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.ttl = d
		}
	}
}

// New creates an Engine over the given document store. A nil store serves
// the compiled-in catalogue only.
func New(store docstore.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		ttl:     defaultTTL,
		nowFunc: time.Now,
		cat:     builtinCatalogue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolve maps a model name to its canonical catalogue name. Unresolved
// names come back lowercased and trimmed.
func (e *Engine) Resolve(ctx context.Context, model string) string {
	name, _ := e.catalogueFor(ctx).resolve(model)
	if name == "" {
		return strings.ToLower(strings.TrimSpace(model))
	}
	return name
}

// Quote returns the rate card for a model. Catalogue hits report their
// catalogue provider; bedrock/aws callers get a cross-prefix match against
// base model names; everything else gets the conservative default rate.
func (e *Engine) Quote(ctx context.Context, model, provider string) Quote {
	cat := e.catalogueFor(ctx)
	prov := strings.ToLower(strings.TrimSpace(provider))

	if name, ok := cat.resolve(model); ok {
		return quoteFromRecord(cat.models[name], SourceCatalogue)
	}
	if prov == "bedrock" || prov == "aws" {
		if name, ok := cat.resolve(bedrockBase(model)); ok {
			q := quoteFromRecord(cat.models[name], SourceBedrockMatch)
			q.Provider = prov
			return q
		}
	}
	q := Quote{
		InputPer1M:     defaultInputPer1M,
		OutputPer1M:    defaultOutputPer1M,
		CachedPer1M:    defaultCachedPer1M,
		CanonicalModel: strings.ToLower(strings.TrimSpace(model)),
		Provider:       prov,
		Source:         SourceDefault,
	}
	if q.Provider == "" {
		q.Provider = "unknown"
	}
	return q
}

// Cost prices a usage sample. Non-cached input is max(0, input-cached);
// each component is (tokens / 1e6) x rate.
func (e *Engine) Cost(ctx context.Context, in CostInput) CostBreakdown {
	q := e.Quote(ctx, in.Model, in.Provider)
	nonCached := in.Input - in.Cached
	if nonCached < 0 {
		nonCached = 0
	}
	b := CostBreakdown{
		InputCost:  float64(nonCached) / 1e6 * q.InputPer1M,
		OutputCost: float64(in.Output) / 1e6 * q.OutputPer1M,
		CachedCost: float64(in.Cached) / 1e6 * q.CachedPer1M,
		Pricing:    q,
	}
	b.Total = b.InputCost + b.OutputCost + b.CachedCost
	return b
}

// DegradationTargets groups the catalogue by provider, cheapest model
// first by (input+output)/2.
func (e *Engine) DegradationTargets(ctx context.Context) DegradationSet {
	cat := e.catalogueFor(ctx)
	set := DegradationSet{Models: make(map[string][]DegradationTarget)}
	for name, rec := range cat.models {
		set.Models[rec.Provider] = append(set.Models[rec.Provider], DegradationTarget{
			Model:      name,
			Label:      labelFor(name),
			InputCost:  rec.InputPer1M,
			OutputCost: rec.OutputPer1M,
			AvgCost:    (rec.InputPer1M + rec.OutputPer1M) / 2,
		})
	}
	for provider, targets := range set.Models {
		sort.Slice(targets, func(i, j int) bool {
			if targets[i].AvgCost != targets[j].AvgCost {
				return targets[i].AvgCost < targets[j].AvgCost
			}
			return targets[i].Model < targets[j].Model
		})
		set.Providers = append(set.Providers, provider)
	}
	sort.Strings(set.Providers)
	return set
}

// ProviderOf reports which provider the catalogue lists a model under, and
// whether the model resolves at all. Policy validation uses it to check
// degrade targets.
func (e *Engine) ProviderOf(ctx context.Context, model string) (string, bool) {
	cat := e.catalogueFor(ctx)
	name, ok := cat.resolve(model)
	if !ok {
		return "", false
	}
	return cat.models[name].Provider, true
}

// catalogueFor returns the current snapshot, reloading it when the TTL has
// lapsed. A failed reload keeps the previous snapshot and retries sooner.
func (e *Engine) catalogueFor(ctx context.Context) *catalogue {
	now := e.nowFunc()
	e.mu.RLock()
	if now.Before(e.expires) {
		cat := e.cat
		e.mu.RUnlock()
		return cat
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if now.Before(e.expires) {
		return e.cat
	}
	e.reloadLocked(ctx, now)
	return e.cat
}

func (e *Engine) reloadLocked(ctx context.Context, now time.Time) {
	if e.store == nil {
		e.cat = builtinCatalogue()
		e.expires = now.Add(e.ttl)
		return
	}
	records, err := e.store.ListPricing(ctx)
	if err != nil {
		slog.Warn("pricing catalogue reload failed, serving previous snapshot", "error", err)
		e.expires = now.Add(reloadRetryInterval)
		return
	}
	if len(records) == 0 {
		e.cat = builtinCatalogue()
	} else {
		e.cat = buildCatalogue(records)
	}
	e.expires = now.Add(e.ttl)
}

func buildCatalogue(records []docstore.PricingRecord) *catalogue {
	cat := &catalogue{
		models:  make(map[string]docstore.PricingRecord, len(records)),
		aliases: make(map[string]string),
	}
	for _, rec := range records {
		name := strings.ToLower(strings.TrimSpace(rec.Model))
		if name == "" {
			continue
		}
		rec.Model = name
		rec.Provider = strings.ToLower(strings.TrimSpace(rec.Provider))
		cat.models[name] = rec
		for _, alias := range rec.Aliases {
			if alias = strings.ToLower(strings.TrimSpace(alias)); alias != "" {
				cat.aliases[alias] = name
			}
		}
	}
	return cat
}

// resolve maps an input model name to a canonical catalogue name. Exact
// and alias hits are O(1); otherwise the longest canonical name or alias
// that prefixes the input wins, so dated variants like
// claude-sonnet-4-20250514 land on their base entry.
func (c *catalogue) resolve(model string) (string, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return "", false
	}
	if _, ok := c.models[m]; ok {
		return m, true
	}
	if canonical, ok := c.aliases[m]; ok {
		return canonical, true
	}
	best, bestLen := "", 0
	for name := range c.models {
		if strings.HasPrefix(m, name) && len(name) > bestLen {
			best, bestLen = name, len(name)
		}
	}
	for alias, canonical := range c.aliases {
		if strings.HasPrefix(m, alias) && len(alias) > bestLen {
			best, bestLen = canonical, len(alias)
		}
	}
	if best != "" {
		return best, true
	}
	return m, false
}

func quoteFromRecord(rec docstore.PricingRecord, source string) Quote {
	return Quote{
		InputPer1M:     rec.InputPer1M,
		OutputPer1M:    rec.OutputPer1M,
		CachedPer1M:    rec.CachedInputPer1M,
		CanonicalModel: rec.Model,
		Provider:       rec.Provider,
		Source:         source,
	}
}

// bedrockBase strips Bedrock model-id decoration: optional region prefix
// (us./eu./apac.), vendor prefix (anthropic., meta., ...), and trailing
// version markers like "-v2:0" or ":1".
func bedrockBase(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, region := range []string{"us.", "eu.", "apac."} {
		m = strings.TrimPrefix(m, region)
	}
	if i := strings.Index(m, "."); i > 0 {
		m = m[i+1:]
	}
	if i := strings.Index(m, ":"); i > 0 {
		m = m[:i]
	}
	if i := strings.LastIndex(m, "-v"); i > 0 {
		if suffix := m[i+2:]; suffix != "" && strings.Trim(suffix, "0123456789") == "" {
			m = m[:i]
		}
	}
	return m
}

// labelFor renders a display label from a canonical model name. Short
// tokens like o1 or 4o keep their casing.
func labelFor(model string) string {
	words := strings.FieldsFunc(model, func(r rune) bool {
		return r == '-' || r == '.' || r == '_'
	})
	for i, w := range words {
		if w == "gpt" {
			words[i] = "GPT"
			continue
		}
		if len(w) > 2 && w[0] >= 'a' && w[0] <= 'z' {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
