// Package intent classifies a query into a retrieval strategy using fixed
// keyword sets. Precedence is Reasoning > ActionPlanner > Global > Specific.
package intent

import "strings"

// Strategy selects retrieval parameters and answer instructions.
type Strategy string

const (
	Specific      Strategy = "specific"
	Global        Strategy = "global"
	Reasoning     Strategy = "reasoning"
	ActionPlanner Strategy = "action_planner"
)

var reasoningKeywords = []string{
	"analyze", "analyse", "analysis", "compare", "comparison", "contrast",
	"why", "how does", "how is", "how are", "what causes", "what leads to",
	"connect", "connection", "relationship", "relate", "correlate",
	"explain why", "what is the relationship", "what is the connection",
	"difference between", "similarities between", "distinguish",
}

var actionKeywords = []string{
	"plan", "schedule", "how to", "how do", "solve", "simulate", "simulation",
	"script", "routine", "checklist", "steps", "step-by-step", "guide me",
	"create a", "make a", "build a", "design a", "implement", "methodology",
	"framework", "process", "procedure", "workflow",
}

// Follow-ups about an artifact the conversation already produced.
var followUpKeywords = []string{
	"help with", "how do i", "what about", "what is", "explain", "tell me about",
	"day", "step", "percentage", "determine", "calculate", "figure out",
	"i need help", "i don't understand", "can you explain", "what does",
	"how does", "how is", "how are", "when should", "where do",
}

var globalKeywords = []string{
	"summarize", "summarise", "summary", "overview", "what is this book about",
	"what is the book about", "tell me about this book", "describe this book",
	"what does this book cover", "book summary",
}

var compareKeywords = []string{
	"compare", "comparison", "contrast", "difference between", "similarities between",
}

// MethodologyTerms are appended to ActionPlanner keyword queries to bias
// ranking toward procedural passages.
var MethodologyTerms = []string{
	"steps", "procedure", "method", "process", "instructions",
	"how to", "guide", "framework", "routine", "schedule",
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// Classify picks the strategy for a query. hasArtifact reports whether the
// conversation already holds a generated artifact; follow-up phrasing then
// keeps the query out of ActionPlanner.
func Classify(query string, hasArtifact bool) Strategy {
	q := strings.ToLower(query)
	if containsAny(q, reasoningKeywords) {
		return Reasoning
	}
	if containsAny(q, actionKeywords) && !(hasArtifact && containsAny(q, followUpKeywords)) {
		return ActionPlanner
	}
	if containsAny(q, globalKeywords) {
		return Global
	}
	return Specific
}

// IsComparison reports whether the query asks to compare sources.
func IsComparison(query string) bool {
	return containsAny(strings.ToLower(query), compareKeywords)
}

// Valid reports whether s names a known strategy.
func Valid(s Strategy) bool {
	switch s {
	case Specific, Global, Reasoning, ActionPlanner:
		return true
	}
	return false
}
