package segment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/innerchild2401/arsfafe/internal/segment"

// Request is one structuring call.
type Request struct {
	Window string
	Title  string
	Author string
	Final  bool
}

// Oracle structures a text window. Its output is untrusted.
type Oracle interface {
	Structure(ctx context.Context, req Request) (string, error)
}

// Config controls window sizing and the retry policy.
type Config struct {
	WindowSize int     // Target window size in bytes.
	Retries    int     // Extra attempts per window after the first.
	Shrink     float64 // Fraction removed from the window on each retry.
}

// DefaultConfig returns the production window policy.
func DefaultConfig() Config {
	return Config{
		WindowSize: 40000,
		Retries:    2,
		Shrink:     0.2,
	}
}

// Span is a half-open byte range of the source text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Report summarizes one engine run.
type Report struct {
	Windows  int    `json:"windows"`
	Retries  int    `json:"retries"`
	Repaired int    `json:"repaired"`
	Skipped  []Span `json:"skipped"`
	Cursors  []int  `json:"-"`
}

// Engine runs the rolling-cursor segmentation loop.
type Engine struct {
	oracle Oracle
	cfg    Config
	log    *slog.Logger
	tracer trace.Tracer

	// OnWindow, when set, is called after every window with the new cursor.
	OnWindow func(cursor, total int)
}

// NewEngine creates an engine. A non-positive window size, a negative retry
// budget or an out-of-range shrink factor falls back to the default.
func NewEngine(oracle Oracle, cfg Config, log *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.Retries < 0 {
		cfg.Retries = def.Retries
	}
	if cfg.Shrink <= 0 || cfg.Shrink >= 1 {
		cfg.Shrink = def.Shrink
	}
	return &Engine{
		oracle: oracle,
		cfg:    cfg,
		log:    log,
		tracer: otel.Tracer(scopeName),
	}
}

// Run segments the whole source text into one merged structure.
func (e *Engine) Run(ctx context.Context, src Source) (Structure, Report, error) {
	ctx, span := e.tracer.Start(ctx, "segment.run", trace.WithAttributes(
		attribute.String("doc.id", src.DocumentID),
		attribute.Int("source.length", len(src.Text)),
	))
	defer span.End()

	log := e.log.With("doc_id", src.DocumentID)
	var report Report
	acc := newAccumulator()
	title, author := src.Title, src.Author

	cursor := 0
	n := len(src.Text)
	for cursor < n {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return Structure{}, report, err
		}

		next, frag, attempts, err := e.step(ctx, src, cursor)
		report.Windows++
		report.Retries += attempts - 1
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				span.SetStatus(codes.Error, ctxErr.Error())
				return Structure{}, report, ctxErr
			}
			log.Warn("window skipped after retries", "start", cursor, "end", next, "error", err)
			report.Skipped = append(report.Skipped, Span{Start: cursor, End: next})
		} else {
			if frag.Repaired {
				report.Repaired++
			}
			if title == "" {
				title = frag.Title
			}
			if author == "" {
				author = frag.Author
			}
			acc.merge(frag.Chapters)
		}

		if next <= cursor {
			next, _ = Slice(src.Text, cursor, e.cfg.WindowSize)
		}
		cursor = next
		report.Cursors = append(report.Cursors, cursor)
		if e.OnWindow != nil {
			e.OnWindow(cursor, n)
		}
	}

	st := Structure{Title: title, Author: author, Chapters: acc.result()}
	span.SetAttributes(
		attribute.Int("segment.windows", report.Windows),
		attribute.Int("segment.skipped", len(report.Skipped)),
		attribute.Int("segment.chapters", len(st.Chapters)),
	)
	log.Info("segmentation complete",
		"windows", report.Windows,
		"retries", report.Retries,
		"skipped", len(report.Skipped),
		"chapters", len(st.Chapters),
		"sections", st.SectionCount(),
	)
	return st, report, nil
}

// Step processes the window at cursor and returns the next cursor and the
// parsed fragment. On failure the next cursor is the end of the last window
// tried, so callers always make progress.
func (e *Engine) Step(ctx context.Context, src Source, cursor int) (int, Fragment, error) {
	next, frag, _, err := e.step(ctx, src, cursor)
	return next, frag, err
}

func (e *Engine) step(ctx context.Context, src Source, cursor int) (int, Fragment, int, error) {
	size := e.cfg.WindowSize
	var lastErr error
	end := cursor
	attempts := 0

	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		attempts++
		var window string
		end, window = Slice(src.Text, cursor, size)

		frag, err := e.tryWindow(ctx, src, cursor, end, window, attempt)
		if err == nil {
			return advance(src.Text, cursor, end, frag.LastProcessedUnit), frag, attempts, nil
		}
		if ctx.Err() != nil {
			return end, Fragment{}, attempts, ctx.Err()
		}
		lastErr = err

		size = int(float64(size) * (1 - e.cfg.Shrink))
		if size < 1 {
			size = 1
		}
	}
	return end, Fragment{}, attempts, fmt.Errorf("window [%d,%d): %w", cursor, end, lastErr)
}

func (e *Engine) tryWindow(ctx context.Context, src Source, start, end int, window string, attempt int) (Fragment, error) {
	ctx, span := e.tracer.Start(ctx, "segment.window", trace.WithAttributes(
		attribute.Int("window.start", start),
		attribute.Int("window.end", end),
		attribute.Int("window.attempt", attempt),
	))
	defer span.End()

	raw, err := e.oracle.Structure(ctx, Request{
		Window: window,
		Title:  src.Title,
		Author: src.Author,
		Final:  end >= len(src.Text),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Fragment{}, fmt.Errorf("structure: %w", err)
	}
	frag, err := ParseFragment(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Fragment{}, err
	}
	span.SetAttributes(
		attribute.Bool("fragment.repaired", frag.Repaired),
		attribute.Bool("fragment.stopped_early", frag.StoppedEarly),
	)
	return frag, nil
}

// advance finds where the next window starts. The last fully processed unit
// is searched forward from cursor inside [cursor, end); the cursor moves just
// past its first occurrence and any newline separator. A repeated unit may be
// structured twice but never skipped. Otherwise the window end is used.
func advance(text string, cursor, end int, last string) int {
	last = strings.TrimSpace(last)
	if last == "" {
		return end
	}
	i := strings.Index(text[cursor:end], last)
	if i < 0 {
		return end
	}
	pos := cursor + i + len(last)
	for pos < len(text) && (text[pos] == '\n' || text[pos] == '\r') {
		pos++
	}
	if pos <= cursor {
		return end
	}
	return pos
}

type accumulator struct {
	chapters []Chapter
	index    map[string]int
}

func newAccumulator() *accumulator {
	return &accumulator{index: make(map[string]int)}
}

func (a *accumulator) merge(chapters []Chapter) {
	for _, ch := range chapters {
		key := strings.TrimSpace(ch.Title)
		if i, ok := a.index[key]; ok {
			a.chapters[i].Sections = append(a.chapters[i].Sections, ch.Sections...)
			continue
		}
		a.index[key] = len(a.chapters)
		a.chapters = append(a.chapters, Chapter{
			Title:    key,
			Sections: append([]Section(nil), ch.Sections...),
		})
	}
}

// result drops sections without content and chapters without sections.
func (a *accumulator) result() []Chapter {
	out := make([]Chapter, 0, len(a.chapters))
	for _, ch := range a.chapters {
		var kept []Section
		for _, sec := range ch.Sections {
			if len(sec.NonEmpty()) > 0 {
				kept = append(kept, sec)
			}
		}
		if len(kept) == 0 {
			continue
		}
		out = append(out, Chapter{Title: ch.Title, Sections: kept})
	}
	return out
}
