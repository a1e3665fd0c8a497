// Package retrieve runs the layered retrieval fallback chain: hybrid,
// semantic, relaxed semantic, unranked, then an explicit no-content signal.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/innerchild2401/arsfafe/internal/index"
	"github.com/innerchild2401/arsfafe/internal/intent"
	"github.com/innerchild2401/arsfafe/internal/store"
	"github.com/innerchild2401/arsfafe/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrNoContent means no layer produced any unit for the scope. It is
// distinct from an empty successful result.
var ErrNoContent = errors.New("no content available for the requested scope")

// Layer identifies which fallback layer produced a result.
type Layer int

const (
	LayerHybrid Layer = iota + 1
	LayerSemantic
	LayerRelaxed
	LayerUnranked
)

func (l Layer) String() string {
	switch l {
	case LayerHybrid:
		return "hybrid"
	case LayerSemantic:
		return "semantic"
	case LayerRelaxed:
		return "relaxed"
	case LayerUnranked:
		return "unranked"
	}
	return fmt.Sprintf("layer(%d)", int(l))
}

const (
	// RelaxedThreshold is the last-chance semantic threshold.
	RelaxedThreshold = 0.3
	// UnrankedScore is the synthetic relevance of unranked units.
	UnrankedScore = 0.5
	// PerScopeCount and PerScopeThreshold bound multi-scope comparisons.
	PerScopeCount     = 5
	PerScopeThreshold = 0.6
)

// Params are the layer-1 parameters of a strategy.
type Params struct {
	Threshold float64
	Count     int
	Augment   bool
}

var strategyParams = map[intent.Strategy]Params{
	intent.Specific:      {Threshold: 0.7, Count: 5},
	intent.Global:        {Threshold: 0.5, Count: 10},
	intent.Reasoning:     {Threshold: 0.6, Count: 15},
	intent.ActionPlanner: {Threshold: 0.6, Count: 10, Augment: true},
}

// ParamsFor returns the parameters of a strategy, defaulting to Specific.
func ParamsFor(s intent.Strategy) Params {
	if p, ok := strategyParams[s]; ok {
		return p
	}
	return strategyParams[intent.Specific]
}

// Unit is a retrieved child unit.
type Unit struct {
	store.Child
	Score float64 `json:"score"`
	Layer Layer   `json:"layer"`
	// Scope is the document id the unit was retrieved for.
	Scope string `json:"scope"`
}

// Result is the outcome of one retrieval.
type Result struct {
	Units      []Unit
	Layer      Layer
	Strategy   intent.Strategy
	MultiScope bool
}

// Hybrid is the combined keyword+semantic index.
type Hybrid interface {
	Search(ctx context.Context, q index.Query) ([]store.ScoredChild, error)
}

// Semantic is a pure vector search.
type Semantic interface {
	SearchSemantic(ctx context.Context, vec []float32, scopes []string, threshold float64, limit int) ([]store.ScoredChild, error)
}

// Lister lists units without ranking.
type Lister interface {
	ListChildren(ctx context.Context, scopes []string, limit int) ([]store.Child, error)
}

// Embedder computes the query vector.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ParentFetcher loads parent units, used to read action tags.
type ParentFetcher interface {
	GetParents(ctx context.Context, ids []string) (map[string]store.Parent, error)
}

// Chain runs the fallback layers. Hybrid may be nil, in which case layer 1
// behaves as unsupported.
type Chain struct {
	hybrid   Hybrid
	semantic Semantic
	lister   Lister
	embedder Embedder
	parents  ParentFetcher
	log      *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Chain.
type Option func(*Chain)

// WithParents lets action-planner retrieval rank units whose parent carries
// action tags ahead of the rest.
func WithParents(p ParentFetcher) Option {
	return func(c *Chain) { c.parents = p }
}

func NewChain(hybrid Hybrid, semantic Semantic, lister Lister, embedder Embedder, log *slog.Logger, opts ...Option) *Chain {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := &Chain{
		hybrid:   hybrid,
		semantic: semantic,
		lister:   lister,
		embedder: embedder,
		log:      log,
		tracer:   otel.Tracer("github.com/innerchild2401/arsfafe/internal/retrieve"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Retrieve returns units for query within scopes using the strategy's
// parameters, relaxing layer by layer until something is found.
func (c *Chain) Retrieve(ctx context.Context, query string, scopes []string, strategy intent.Strategy) (res Result, err error) {
	ctx, span := c.tracer.Start(ctx, "retrieve.chain", trace.WithAttributes(
		telemetry.AttrStrategy.String(string(strategy)),
		attribute.Int("retrieve.scopes", len(scopes)),
	))
	defer func() {
		if err != nil && !errors.Is(err, ErrNoContent) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("retrieve.results", len(res.Units)))
		span.End()
	}()

	res.Strategy = strategy
	params := ParamsFor(strategy)
	log := c.log.With("strategy", strategy, "scopes", len(scopes))

	vec := c.queryVector(ctx, query, log)

	if strategy == intent.Reasoning && len(scopes) > 1 && intent.IsComparison(query) && vec != nil {
		units := c.perScope(ctx, query, vec, scopes, log)
		if len(units) > 0 {
			c.record(ctx, LayerHybrid, strategy)
			return Result{Units: units, Layer: LayerHybrid, Strategy: strategy, MultiScope: true}, nil
		}
		log.Info("per-scope comparison empty, using ordinary chain")
	}

	if vec != nil {
		if units := c.hybridLayer(ctx, query, vec, scopes, params, log); len(units) > 0 {
			return c.done(ctx, units, LayerHybrid, strategy, log), nil
		}
		if units := c.semanticLayer(ctx, vec, scopes, params.Threshold, params.Count, LayerSemantic, log); len(units) > 0 {
			return c.done(ctx, units, LayerSemantic, strategy, log), nil
		}
		if params.Threshold > RelaxedThreshold {
			if units := c.semanticLayer(ctx, vec, scopes, RelaxedThreshold, params.Count, LayerRelaxed, log); len(units) > 0 {
				return c.done(ctx, units, LayerRelaxed, strategy, log), nil
			}
		}
	}

	units, err := c.unranked(ctx, scopes, params.Count)
	if err != nil {
		log.Warn("unranked retrieval failed", "error", err)
	}
	if len(units) > 0 {
		return c.done(ctx, units, LayerUnranked, strategy, log), nil
	}

	log.Info("no content for scope")
	return res, ErrNoContent
}

func (c *Chain) done(ctx context.Context, units []Unit, layer Layer, strategy intent.Strategy, log *slog.Logger) Result {
	if strategy == intent.ActionPlanner {
		c.preferTagged(ctx, units, log)
	}
	c.record(ctx, layer, strategy)
	return Result{Units: units, Layer: layer, Strategy: strategy}
}

// preferTagged moves units whose parent carries action tags to the front,
// keeping relative order otherwise. A failed lookup leaves the order as is.
func (c *Chain) preferTagged(ctx context.Context, units []Unit, log *slog.Logger) {
	if c.parents == nil || len(units) < 2 {
		return
	}
	ids := make([]string, 0, len(units))
	seen := make(map[string]bool, len(units))
	for _, u := range units {
		if u.ParentID != "" && !seen[u.ParentID] {
			seen[u.ParentID] = true
			ids = append(ids, u.ParentID)
		}
	}
	parents, err := c.parents.GetParents(ctx, ids)
	if err != nil {
		log.Warn("action tag lookup failed", "error", err)
		return
	}
	tagged := func(u Unit) bool { return len(parents[u.ParentID].Tags) > 0 }
	sort.SliceStable(units, func(i, j int) bool { return tagged(units[i]) && !tagged(units[j]) })
}

func (c *Chain) record(ctx context.Context, layer Layer, strategy intent.Strategy) {
	telemetry.Get().RetrievalLayers.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrLayer.String(layer.String()),
		telemetry.AttrStrategy.String(string(strategy)),
	))
}

// queryVector embeds the query once. A failure disables the ranked layers.
func (c *Chain) queryVector(ctx context.Context, query string, log *slog.Logger) []float32 {
	if c.embedder == nil {
		return nil
	}
	vecs, err := c.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) != 1 || len(vecs[0]) == 0 {
		log.Warn("query embedding failed, skipping ranked layers", "error", err)
		return nil
	}
	return vecs[0]
}

func (c *Chain) hybridLayer(ctx context.Context, query string, vec []float32, scopes []string, p Params, log *slog.Logger) []Unit {
	if c.hybrid == nil {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "retrieve.layer", trace.WithAttributes(telemetry.AttrLayer.String(LayerHybrid.String())))
	defer span.End()

	q := index.Query{Text: query, Vector: vec, Scopes: scopes, Threshold: p.Threshold, Limit: p.Count}
	if p.Augment {
		q.Augment = intent.MethodologyTerms
	}
	scored, err := c.hybrid.Search(ctx, q)
	if err != nil {
		if errors.Is(err, index.ErrUnsupported) {
			log.Debug("hybrid search unsupported")
		} else {
			span.RecordError(err)
			log.Warn("hybrid search failed", "error", err)
		}
		return nil
	}
	return toUnits(scored, LayerHybrid, "")
}

func (c *Chain) semanticLayer(ctx context.Context, vec []float32, scopes []string, threshold float64, count int, layer Layer, log *slog.Logger) []Unit {
	if c.semantic == nil {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "retrieve.layer", trace.WithAttributes(
		telemetry.AttrLayer.String(layer.String()),
		attribute.Float64("retrieve.threshold", threshold),
	))
	defer span.End()

	scored, err := c.semantic.SearchSemantic(ctx, vec, scopes, threshold, count)
	if err != nil {
		span.RecordError(err)
		log.Warn("semantic search failed", "layer", layer.String(), "error", err)
		return nil
	}
	return toUnits(scored, layer, "")
}

func (c *Chain) unranked(ctx context.Context, scopes []string, count int) ([]Unit, error) {
	if c.lister == nil {
		return nil, nil
	}
	children, err := c.lister.ListChildren(ctx, scopes, count)
	if err != nil {
		return nil, err
	}
	units := make([]Unit, len(children))
	for i, ch := range children {
		units[i] = Unit{Child: ch, Score: UnrankedScore, Layer: LayerUnranked, Scope: ch.DocumentID}
	}
	return units, nil
}

// perScope runs layer 1 once per scope, sequentially, and concatenates the
// results tagged with their scope.
func (c *Chain) perScope(ctx context.Context, query string, vec []float32, scopes []string, log *slog.Logger) []Unit {
	p := Params{Threshold: PerScopeThreshold, Count: PerScopeCount}
	var out []Unit
	for _, scope := range scopes {
		if ctx.Err() != nil {
			return out
		}
		units := c.hybridLayer(ctx, query, vec, []string{scope}, p, log.With("scope", scope))
		for i := range units {
			units[i].Scope = scope
		}
		out = append(out, units...)
	}
	return out
}

func toUnits(scored []store.ScoredChild, layer Layer, scope string) []Unit {
	units := make([]Unit, len(scored))
	for i, sc := range scored {
		s := scope
		if s == "" {
			s = sc.DocumentID
		}
		units[i] = Unit{Child: sc.Child, Score: sc.Score, Layer: layer, Scope: s}
	}
	return units
}
