// Package assemble expands retrieved child units to their parent text,
// mints citation tokens and builds the deduplicated source list.
package assemble

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/innerchild2401/arsfafe/internal/retrieve"
	"github.com/innerchild2401/arsfafe/internal/store"
)

// TokenPrefix marks citation tokens in generated text.
const TokenPrefix = "#chk_"

// CitationToken derives the stable citation token of a child unit id.
func CitationToken(id string) string {
	sum := md5.Sum([]byte(id))
	return TokenPrefix + hex.EncodeToString(sum[:])[:8]
}

// ParentFetcher loads parent units in one batch.
type ParentFetcher interface {
	GetParents(ctx context.Context, ids []string) (map[string]store.Parent, error)
}

// Source is one deduplicated origin of context text.
type Source struct {
	Scope   string   `json:"scope"`
	Title   string   `json:"title"`
	Chapter string   `json:"chapter,omitempty"`
	Section string   `json:"section,omitempty"`
	Label   string   `json:"label"`
	Tokens  []string `json:"tokens"`
}

// Context is the assembled input for the generation oracle.
type Context struct {
	Text string
	// Citations maps citation tokens to child unit ids.
	Citations map[string]string
	Sources   []Source
	// Tagged reports whether any source parent carries action tags.
	Tagged bool
}

type Assembler struct {
	parents ParentFetcher
	log     *slog.Logger
}

func New(parents ParentFetcher, log *slog.Logger) *Assembler {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Assembler{parents: parents, log: log}
}

type sourceKey struct {
	scope, chapter, section string
}

// Assemble builds the context for units in retrieval order. titles maps
// scope (document id) to a display title. A failed parent fetch degrades
// to child text.
func (a *Assembler) Assemble(ctx context.Context, units []retrieve.Unit, titles map[string]string) (Context, error) {
	if err := ctx.Err(); err != nil {
		return Context{}, err
	}
	parents := a.fetchParents(ctx, units)

	out := Context{Citations: make(map[string]string, len(units))}
	seen := make(map[sourceKey]int)
	blocks := make([]string, 0, len(units))

	for _, u := range units {
		token := CitationToken(u.ID)
		if prev, ok := out.Citations[token]; ok && prev != u.ID {
			a.log.Warn("citation token collision", "token", token, "kept", prev, "dropped", u.ID)
			continue
		}
		out.Citations[token] = u.ID

		text := u.Text
		var chapter, section string
		if p, ok := parents[u.ParentID]; ok {
			if p.Text != "" {
				text = p.Text
			}
			chapter, section = p.Chapter, p.Section
			if len(p.Tags) > 0 {
				out.Tagged = true
			}
		}
		blocks = append(blocks, token+" "+text)

		scope := u.Scope
		if scope == "" {
			scope = u.DocumentID
		}
		key := sourceKey{scope, chapter, section}
		if i, ok := seen[key]; ok {
			out.Sources[i].Tokens = append(out.Sources[i].Tokens, token)
			continue
		}
		title := titles[scope]
		if title == "" {
			title = scope
		}
		seen[key] = len(out.Sources)
		out.Sources = append(out.Sources, Source{
			Scope:   scope,
			Title:   title,
			Chapter: chapter,
			Section: section,
			Label:   Label(title, chapter, section),
			Tokens:  []string{token},
		})
	}

	out.Text = strings.Join(blocks, "\n\n")
	return out, nil
}

func (a *Assembler) fetchParents(ctx context.Context, units []retrieve.Unit) map[string]store.Parent {
	if a.parents == nil {
		return nil
	}
	ids := make([]string, 0, len(units))
	dup := make(map[string]bool, len(units))
	for _, u := range units {
		if u.ParentID == "" || dup[u.ParentID] {
			continue
		}
		dup[u.ParentID] = true
		ids = append(ids, u.ParentID)
	}
	if len(ids) == 0 {
		return nil
	}
	parents, err := a.parents.GetParents(ctx, ids)
	if err != nil {
		a.log.Warn("parent fetch failed, using child text", "parents", len(ids), "error", err)
		return nil
	}
	return parents
}

// Label formats "title[, chapter][, section]". The section is omitted when
// it repeats the chapter.
func Label(title, chapter, section string) string {
	parts := []string{title}
	if chapter = strings.TrimSpace(chapter); chapter != "" {
		parts = append(parts, chapter)
	}
	if section = strings.TrimSpace(section); section != "" && section != chapter {
		parts = append(parts, section)
	}
	return strings.Join(parts, ", ")
}
