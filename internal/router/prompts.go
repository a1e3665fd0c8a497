package router

import (
	"fmt"
	"strings"

	"github.com/innerchild2401/arsfafe/internal/intent"
	"github.com/innerchild2401/arsfafe/internal/store"
)

// NoContentMessage is returned instead of a generated answer when nothing
// could be retrieved.
const NoContentMessage = "I couldn't find any processed content in the selected books. " +
	"A book may still be processing, or processing may have failed. " +
	"Check the book status or retry processing."

const citationRules = `- Every passage in the context is preceded by a citation token such as #chk_a1b2c3d4.
- Cite the token inline after each claim it supports.
- Base the answer only on the provided context. If it does not contain the answer, say so.`

const specificInstructions = `You answer questions about the user's books.
` + citationRules + `
- Be direct and precise.`

const reasoningInstructions = `You analyze the user's books with careful reasoning.
` + citationRules + `
- Look for causes, relationships, patterns and contrasts across passages.
- When passages disagree, do not pick one silently: state the conflict and cite both sides.
- Explain your reasoning step by step.`

const actionInstructions = `You turn methodology in the user's books into an actionable plan.
` + citationRules + `
- Prefer prescriptive passages: steps, procedures, schedules, conditional rules.
- Produce a numbered checklist or schedule with concrete actions, each step cited.
- If the context holds no procedure, say so and summarize what it does offer.`

const untaggedActionNote = `

None of the passages below was identified as a framework, script or procedure.
Derive steps only from what the passages state and mark any step you had to infer.`

const globalInstructions = `You give a high-level overview of the user's books.
Use the executive summary below as the primary source and the context passages for supporting detail.
` + citationRules + `
- Structure the answer as: overview, key themes, takeaways.`

func instructionsFor(s intent.Strategy) string {
	switch s {
	case intent.Reasoning:
		return reasoningInstructions
	case intent.ActionPlanner:
		return actionInstructions
	case intent.Global:
		return globalInstructions
	default:
		return specificInstructions
	}
}

type bookSummary struct {
	title, author, summary string
}

func globalSystem(summaries []bookSummary) string {
	var sb strings.Builder
	sb.WriteString(globalInstructions)
	for _, b := range summaries {
		fmt.Fprintf(&sb, "\n\nDocument title: %s", b.title)
		if b.author != "" {
			fmt.Fprintf(&sb, "\nAuthor: %s", b.author)
		}
		fmt.Fprintf(&sb, "\nExecutive summary:\n%s", b.summary)
	}
	return sb.String()
}

// multiSourceSuffix names every compared source so the answer keeps them
// apart.
func multiSourceSuffix(titles []string) string {
	var sb strings.Builder
	sb.WriteString("\n\nMULTI-SOURCE COMPARISON:\nThe context comes from these separate books:")
	for _, t := range titles {
		fmt.Fprintf(&sb, "\n- %s", t)
	}
	sb.WriteString("\nAttribute every claim to its book, compare them explicitly and call out agreements and disagreements.")
	return sb.String()
}

// correctionsPrefix lists earlier mistakes the user corrected so the
// answer does not repeat them.
func correctionsPrefix(corrs []store.Correction) string {
	var sb strings.Builder
	sb.WriteString("IMPORTANT CORRECTIONS FROM THE USER:")
	for i, c := range corrs {
		fmt.Fprintf(&sb, "\n%d. Earlier question: %q\n   Wrong answer: %q\n   Correction: %q", i+1, c.Query, c.IncorrectText, c.CorrectText)
		if c.Feedback != "" {
			fmt.Fprintf(&sb, "\n   Feedback: %q", c.Feedback)
		}
	}
	sb.WriteString("\nDo not repeat these mistakes. Treat the corrections as authoritative.\n\n")
	return sb.String()
}

func userContent(contextText, question string) string {
	return "Context from books:\n\n" + contextText + "\n\nQuestion: " + question
}
