package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/innerchild2401/arsfafe/internal/assemble"
	"github.com/innerchild2401/arsfafe/internal/intent"
	"github.com/innerchild2401/arsfafe/internal/retrieve"
	"github.com/innerchild2401/arsfafe/internal/store"
)

type stubRetriever struct {
	strategy intent.Strategy
	res      retrieve.Result
	err      error
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string, scopes []string, strategy intent.Strategy) (retrieve.Result, error) {
	s.strategy = strategy
	return s.res, s.err
}

type stubDocs map[string]store.Document

func (s stubDocs) GetDocument(ctx context.Context, id string) (store.Document, error) {
	d, ok := s[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return d, nil
}

type stubGen struct {
	calls  int
	system string
	user   string
	reply  string
	err    error
}

func (s *stubGen) Generate(ctx context.Context, system, user string) (string, error) {
	s.calls++
	s.system, s.user = system, user
	return s.reply, s.err
}

func (s *stubGen) GenerateStream(ctx context.Context, system, user string, onDelta func(string) error) (string, error) {
	s.calls++
	s.system, s.user = system, user
	for _, w := range strings.SplitAfter(s.reply, " ") {
		if err := onDelta(w); err != nil {
			return "", err
		}
	}
	return s.reply, s.err
}

func units(ids ...string) []retrieve.Unit {
	var out []retrieve.Unit
	for _, id := range ids {
		out = append(out, retrieve.Unit{Child: store.Child{ID: id, DocumentID: "b1", Text: "text " + id}, Scope: "b1"})
	}
	return out
}

func newRouter(ret *stubRetriever, docs stubDocs, gen *stubGen) *Router {
	return New(ret, assemble.New(nil, nil), docs, gen, nil)
}

func TestAnswerSpecific(t *testing.T) {
	ret := &stubRetriever{res: retrieve.Result{Units: units("c1"), Layer: retrieve.LayerHybrid}}
	gen := &stubGen{reply: "Dopamine drives craving " + assemble.CitationToken("c1")}
	r := newRouter(ret, stubDocs{"b1": {ID: "b1", Title: "Atomic Habits"}}, gen)

	ans, err := r.Answer(context.Background(), Query{Text: "What is dopamine?", Scopes: []string{"b1"}})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Strategy != intent.Specific || ret.strategy != intent.Specific {
		t.Errorf("strategy = %s", ans.Strategy)
	}
	if ans.Layer != "hybrid" || ans.NoContent {
		t.Errorf("unexpected answer %+v", ans)
	}
	if ans.Citations[assemble.CitationToken("c1")] != "c1" {
		t.Errorf("citations = %v", ans.Citations)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].Label != "Atomic Habits" {
		t.Errorf("sources = %+v", ans.Sources)
	}
	if gen.system != specificInstructions {
		t.Errorf("expected specific instructions")
	}
	if !strings.Contains(gen.user, assemble.CitationToken("c1")+" text c1") || !strings.HasSuffix(gen.user, "Question: What is dopamine?") {
		t.Errorf("unexpected user content %q", gen.user)
	}
}

func TestAnswerNoContentSkipsGeneration(t *testing.T) {
	ret := &stubRetriever{err: retrieve.ErrNoContent}
	gen := &stubGen{}
	r := newRouter(ret, stubDocs{}, gen)

	ans, err := r.Answer(context.Background(), Query{Text: "anything", Scopes: []string{"b1"}})
	if err != nil {
		t.Fatalf("no content must not be an error: %v", err)
	}
	if !ans.NoContent || ans.Text != NoContentMessage {
		t.Errorf("unexpected answer %+v", ans)
	}
	if gen.calls != 0 {
		t.Errorf("generator called %d times", gen.calls)
	}
}

func TestAnswerGlobalUsesSummary(t *testing.T) {
	ret := &stubRetriever{err: retrieve.ErrNoContent}
	gen := &stubGen{reply: "overview"}
	docs := stubDocs{"b1": {ID: "b1", Title: "Deep Work", Author: "Cal Newport", Summary: "A book about focus."}}
	r := newRouter(ret, docs, gen)

	ans, err := r.Answer(context.Background(), Query{Text: "Summarize this book", Scopes: []string{"b1"}})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Strategy != intent.Global || ans.NoContent || ans.Fallthrough {
		t.Errorf("unexpected answer %+v", ans)
	}
	if !strings.Contains(gen.system, "A book about focus.") || !strings.Contains(gen.system, "Cal Newport") {
		t.Errorf("summary missing from instructions: %q", gen.system)
	}
}

func TestAnswerGlobalWithoutSummaryFallsThrough(t *testing.T) {
	ret := &stubRetriever{res: retrieve.Result{Units: units("c1"), Layer: retrieve.LayerSemantic}}
	gen := &stubGen{reply: "ok"}
	r := newRouter(ret, stubDocs{"b1": {ID: "b1", Title: "Deep Work"}}, gen)

	ans, err := r.Answer(context.Background(), Query{Text: "Give me an overview", Scopes: []string{"b1"}})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !ans.Fallthrough || gen.system != specificInstructions {
		t.Errorf("expected fallthrough to specific instructions, got %+v", ans)
	}
}

func TestAnswerMultiScopeNamesSources(t *testing.T) {
	ret := &stubRetriever{res: retrieve.Result{Units: units("a1"), Layer: retrieve.LayerHybrid, MultiScope: true}}
	gen := &stubGen{reply: "comparison"}
	docs := stubDocs{"b1": {ID: "b1", Title: "Book One"}, "b2": {ID: "b2", Title: "Book Two"}}
	r := newRouter(ret, docs, gen)

	ans, err := r.Answer(context.Background(), Query{Text: "Compare both books", Scopes: []string{"b1", "b2"}})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !ans.MultiScope || ans.Strategy != intent.Reasoning {
		t.Errorf("unexpected answer %+v", ans)
	}
	if !strings.HasPrefix(gen.system, reasoningInstructions) || !strings.Contains(gen.system, "- Book One") || !strings.Contains(gen.system, "- Book Two") {
		t.Errorf("multi-source instructions missing: %q", gen.system)
	}
}

func TestAnswerRetrieveErrorPropagates(t *testing.T) {
	r := newRouter(&stubRetriever{err: errors.New("boom")}, stubDocs{}, &stubGen{})
	if _, err := r.Answer(context.Background(), Query{Text: "q", Scopes: []string{"b1"}}); err == nil {
		t.Fatal("expected error")
	}
}

func TestAnswerStream(t *testing.T) {
	ret := &stubRetriever{res: retrieve.Result{Units: units("c1"), Layer: retrieve.LayerHybrid}}
	gen := &stubGen{reply: "one two three"}
	r := newRouter(ret, stubDocs{}, gen)

	var got strings.Builder
	ans, err := r.AnswerStream(context.Background(), Query{Text: "Give me a plan", Scopes: []string{"b1"}}, func(d string) error {
		got.WriteString(d)
		return nil
	})
	if err != nil {
		t.Fatalf("AnswerStream: %v", err)
	}
	if got.String() != "one two three" || ans.Text != "one two three" {
		t.Errorf("streamed %q, answer %q", got.String(), ans.Text)
	}
	if ans.Strategy != intent.ActionPlanner || gen.system != actionInstructions+untaggedActionNote {
		t.Errorf("expected action planner instructions with untagged note, got %s", ans.Strategy)
	}
}

type stubParents map[string]store.Parent

func (s stubParents) GetParents(ctx context.Context, ids []string) (map[string]store.Parent, error) {
	return s, nil
}

func TestAnswerActionPlannerWithTaggedContext(t *testing.T) {
	u := units("c1")
	u[0].ParentID = "p1"
	ret := &stubRetriever{res: retrieve.Result{Units: u, Layer: retrieve.LayerHybrid}}
	gen := &stubGen{reply: "1. Start small"}
	asm := assemble.New(stubParents{"p1": {ID: "p1", Text: "Step one.", Tags: []string{"framework"}}}, nil)
	r := New(ret, asm, stubDocs{}, gen, nil)

	ans, err := r.Answer(context.Background(), Query{Text: "Give me a plan", Scopes: []string{"b1"}})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Strategy != intent.ActionPlanner || gen.system != actionInstructions {
		t.Errorf("tagged context should use plain action instructions, got %q", gen.system)
	}
}

type stubCorrections struct {
	owner string
	out   []store.Correction
	err   error
}

func (s *stubCorrections) Relevant(ctx context.Context, ownerID, query string, scopes []string) ([]store.Correction, error) {
	s.owner = ownerID
	return s.out, s.err
}

func TestAnswerAppliesCorrections(t *testing.T) {
	ret := &stubRetriever{res: retrieve.Result{Units: units("c1"), Layer: retrieve.LayerHybrid}}
	gen := &stubGen{reply: "66 days"}
	corr := &stubCorrections{out: []store.Correction{{Query: "How long to form a habit?", IncorrectText: "21 days", CorrectText: "66 days on average"}}}
	r := New(ret, assemble.New(nil, nil), stubDocs{}, gen, nil, WithCorrections(corr))

	ans, err := r.Answer(context.Background(), Query{Text: "How long to form a habit?", Scopes: []string{"b1"}, OwnerID: "u1"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if corr.owner != "u1" || ans.CorrectionsApplied != 1 {
		t.Errorf("owner=%q applied=%d", corr.owner, ans.CorrectionsApplied)
	}
	if !strings.HasPrefix(gen.system, "IMPORTANT CORRECTIONS") || !strings.Contains(gen.system, `"66 days on average"`) {
		t.Errorf("corrections missing from instructions: %q", gen.system)
	}
	if !strings.HasSuffix(gen.system, specificInstructions) {
		t.Errorf("strategy instructions lost: %q", gen.system)
	}
}

func TestAnswerCorrectionsFailureIsIgnored(t *testing.T) {
	ret := &stubRetriever{res: retrieve.Result{Units: units("c1"), Layer: retrieve.LayerHybrid}}
	gen := &stubGen{reply: "ok"}
	corr := &stubCorrections{err: errors.New("db down")}
	r := New(ret, assemble.New(nil, nil), stubDocs{}, gen, nil, WithCorrections(corr))

	ans, err := r.Answer(context.Background(), Query{Text: "What is a cue?", Scopes: []string{"b1"}, OwnerID: "u1"})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.CorrectionsApplied != 0 || gen.system != specificInstructions {
		t.Errorf("unexpected system %q", gen.system)
	}
}

func TestAnswerStreamNoContent(t *testing.T) {
	r := newRouter(&stubRetriever{err: retrieve.ErrNoContent}, stubDocs{}, &stubGen{})
	var got string
	ans, err := r.AnswerStream(context.Background(), Query{Text: "q"}, func(d string) error { got += d; return nil })
	if err != nil || !ans.NoContent || got != NoContentMessage {
		t.Errorf("ans=%+v got=%q err=%v", ans, got, err)
	}
}
