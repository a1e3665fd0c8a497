// Package router composes the read path: classify, retrieve, assemble and
// generate.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/innerchild2401/arsfafe/internal/assemble"
	"github.com/innerchild2401/arsfafe/internal/intent"
	"github.com/innerchild2401/arsfafe/internal/retrieve"
	"github.com/innerchild2401/arsfafe/internal/store"
	"github.com/innerchild2401/arsfafe/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Retriever interface {
	Retrieve(ctx context.Context, query string, scopes []string, strategy intent.Strategy) (retrieve.Result, error)
}

type Assembler interface {
	Assemble(ctx context.Context, units []retrieve.Unit, titles map[string]string) (assemble.Context, error)
}

type Documents interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
}

type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
	GenerateStream(ctx context.Context, system, user string, onDelta func(string) error) (string, error)
}

// CorrectionSource finds the asker's earlier corrections relevant to a query.
type CorrectionSource interface {
	Relevant(ctx context.Context, ownerID, query string, scopes []string) ([]store.Correction, error)
}

// Query is one question against a set of documents.
type Query struct {
	Text        string
	Scopes      []string
	HasArtifact bool
	// OwnerID selects whose corrections apply. Empty disables them.
	OwnerID string
}

// Answer is the response to a Query.
type Answer struct {
	Text       string            `json:"answer"`
	Strategy   intent.Strategy   `json:"strategy"`
	Layer      string            `json:"layer,omitempty"`
	Citations  map[string]string `json:"citations"`
	Sources    []assemble.Source `json:"sources"`
	NoContent  bool              `json:"no_content"`
	MultiScope bool              `json:"multi_scope,omitempty"`
	// Fallthrough is set when the strategy's own instructions could not be
	// used and the Specific set was applied instead.
	Fallthrough bool `json:"fallthrough,omitempty"`
	// CorrectionsApplied counts the user corrections given to the model.
	CorrectionsApplied int `json:"corrections_applied,omitempty"`
}

type Router struct {
	retriever   Retriever
	assembler   Assembler
	docs        Documents
	gen         Generator
	corrections CorrectionSource
	log         *slog.Logger
	tracer      trace.Tracer
}

// Option configures a Router.
type Option func(*Router)

// WithCorrections prefixes every generation with the asker's relevant
// corrections.
func WithCorrections(c CorrectionSource) Option {
	return func(r *Router) { r.corrections = c }
}

func New(retriever Retriever, assembler Assembler, docs Documents, gen Generator, log *slog.Logger, opts ...Option) *Router {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r := &Router{
		retriever: retriever,
		assembler: assembler,
		docs:      docs,
		gen:       gen,
		log:       log,
		tracer:    otel.Tracer("github.com/innerchild2401/arsfafe/internal/router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// plan is a prepared generation request. ready is set when the answer is
// already final and no generation is needed.
type plan struct {
	system string
	user   string
	answer Answer
	ready  bool
}

// Answer runs the full read path and returns a complete answer.
func (r *Router) Answer(ctx context.Context, q Query) (Answer, error) {
	ctx, span := r.tracer.Start(ctx, "router.answer")
	defer span.End()

	p, err := r.prepare(ctx, q, span)
	if err != nil || p.ready {
		return p.answer, err
	}
	text, err := r.gen.Generate(ctx, p.system, p.user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Answer{}, fmt.Errorf("generate answer: %w", err)
	}
	p.answer.Text = text
	return p.answer, nil
}

// AnswerStream is Answer with the generated text delivered through onDelta
// as it arrives. The returned Answer carries the full text.
func (r *Router) AnswerStream(ctx context.Context, q Query, onDelta func(string) error) (Answer, error) {
	ctx, span := r.tracer.Start(ctx, "router.answer", trace.WithAttributes(attribute.Bool("router.stream", true)))
	defer span.End()

	p, err := r.prepare(ctx, q, span)
	if err != nil {
		return Answer{}, err
	}
	if p.ready {
		if err := onDelta(p.answer.Text); err != nil {
			return p.answer, err
		}
		return p.answer, nil
	}
	text, err := r.gen.GenerateStream(ctx, p.system, p.user, onDelta)
	p.answer.Text = text
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return p.answer, fmt.Errorf("stream answer: %w", err)
	}
	return p.answer, nil
}

func (r *Router) prepare(ctx context.Context, q Query, span trace.Span) (plan, error) {
	strategy := intent.Classify(q.Text, q.HasArtifact)
	span.SetAttributes(telemetry.AttrStrategy.String(string(strategy)), attribute.Int("router.scopes", len(q.Scopes)))
	log := r.log.With("strategy", strategy, "scopes", len(q.Scopes))

	docs := r.loadDocuments(ctx, q.Scopes, log)
	titles := make(map[string]string, len(docs))
	for _, d := range docs {
		titles[d.ID] = d.Title
	}

	ans := Answer{Strategy: strategy, Citations: map[string]string{}}

	res, err := r.retriever.Retrieve(ctx, q.Text, q.Scopes, strategy)
	noContent := errors.Is(err, retrieve.ErrNoContent)
	if err != nil && !noContent {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return plan{}, fmt.Errorf("retrieve: %w", err)
	}

	var summaries []bookSummary
	if strategy == intent.Global {
		for _, d := range docs {
			if d.Summary != "" {
				summaries = append(summaries, bookSummary{d.Title, d.Author, d.Summary})
			}
		}
	}

	if noContent && len(summaries) == 0 {
		log.Info("no content for query")
		ans.Text = NoContentMessage
		ans.NoContent = true
		return plan{answer: ans, ready: true}, nil
	}

	var actx assemble.Context
	if !noContent {
		ans.Layer = res.Layer.String()
		ans.MultiScope = res.MultiScope
		actx, err = r.assembler.Assemble(ctx, res.Units, titles)
		if err != nil {
			return plan{}, fmt.Errorf("assemble: %w", err)
		}
		ans.Citations = actx.Citations
		ans.Sources = actx.Sources
	}

	var system string
	switch {
	case strategy == intent.Global && len(summaries) > 0:
		system = globalSystem(summaries)
	case strategy == intent.Global:
		log.Info("no document summary, using specific instructions")
		system = instructionsFor(intent.Specific)
		ans.Fallthrough = true
	default:
		system = instructionsFor(strategy)
	}
	if strategy == intent.ActionPlanner && !actx.Tagged {
		log.Info("no action-tagged passages in context")
		system += untaggedActionNote
	}
	if ans.MultiScope {
		system += multiSourceSuffix(orderedTitles(q.Scopes, titles))
	}
	if corrs := r.relevantCorrections(ctx, q, log); len(corrs) > 0 {
		system = correctionsPrefix(corrs) + system
		ans.CorrectionsApplied = len(corrs)
	}

	return plan{system: system, user: userContent(actx.Text, q.Text), answer: ans}, nil
}

// relevantCorrections never fails the answer: a lookup error only drops
// the corrections.
func (r *Router) relevantCorrections(ctx context.Context, q Query, log *slog.Logger) []store.Correction {
	if r.corrections == nil || q.OwnerID == "" {
		return nil
	}
	corrs, err := r.corrections.Relevant(ctx, q.OwnerID, q.Text, q.Scopes)
	if err != nil {
		log.Warn("corrections lookup failed", "error", err)
		return nil
	}
	return corrs
}

// loadDocuments fetches scope documents for titles and summaries. Missing
// documents are skipped.
func (r *Router) loadDocuments(ctx context.Context, scopes []string, log *slog.Logger) []store.Document {
	if r.docs == nil {
		return nil
	}
	out := make([]store.Document, 0, len(scopes))
	for _, id := range scopes {
		d, err := r.docs.GetDocument(ctx, id)
		if err != nil {
			log.Warn("scope document unavailable", "doc_id", id, "error", err)
			continue
		}
		out = append(out, d)
	}
	return out
}

func orderedTitles(scopes []string, titles map[string]string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if t := titles[s]; t != "" {
			out = append(out, t)
		} else {
			out = append(out, s)
		}
	}
	return out
}
