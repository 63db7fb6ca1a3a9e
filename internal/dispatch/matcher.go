// ABOUTME: Closed set of text matchers used for handler selection.
// ABOUTME: Each variant scores a match with its default weight.

package dispatch

import (
	"regexp"
	"strings"

	"github.com/2389/coven-bot/internal/chat"
)

// Default weights of the built-in matchers.
const (
	WeightContains = 1
	WeightEqual    = 10000
)

// Matcher scores a text. Implementations are Contains, Equal, Regex, and Any.
type Matcher interface {
	match(text string) chat.VerifyResult
	// exact reports whether the matcher is or includes an Equal literal.
	exact() bool
}

// Contains matches when the text contains Word.
type Contains struct {
	Word string
}

// Equal matches when the text equals Literal exactly.
type Equal struct {
	Literal string
}

// Regex matches when Pattern finds a match in the text.
type Regex struct {
	Pattern *regexp.Regexp
}

// Any scores as its first sub-matcher that matches.
type Any []Matcher

// Pattern compiles expr into a Regex matcher. It panics on an invalid
// expression, like regexp.MustCompile, since patterns are fixed at
// registration time.
func Pattern(expr string) Regex {
	return Regex{Pattern: regexp.MustCompile(expr)}
}

// Words builds an Any of Contains matchers.
func Words(words ...string) Any {
	ms := make(Any, 0, len(words))
	for _, w := range words {
		ms = append(ms, Contains{Word: w})
	}
	return ms
}

func (c Contains) match(text string) chat.VerifyResult {
	if c.Word == "" || !strings.Contains(text, c.Word) {
		return chat.VerifyResult{}
	}
	return chat.VerifyResult{Matched: true, Weight: WeightContains, Capture: c.Word}
}

func (Contains) exact() bool { return false }

func (e Equal) match(text string) chat.VerifyResult {
	if text != e.Literal {
		return chat.VerifyResult{}
	}
	return chat.VerifyResult{Matched: true, Weight: WeightEqual, Capture: e.Literal}
}

func (Equal) exact() bool { return true }

func (r Regex) match(text string) chat.VerifyResult {
	if r.Pattern == nil {
		return chat.VerifyResult{}
	}
	groups := r.Pattern.FindStringSubmatch(text)
	if groups == nil {
		return chat.VerifyResult{}
	}
	return chat.VerifyResult{Matched: true, Weight: max(1, r.Pattern.NumSubexp()), Capture: groups}
}

func (Regex) exact() bool { return false }

func (a Any) match(text string) chat.VerifyResult {
	for _, m := range a {
		if m == nil {
			continue
		}
		if res := m.match(text); res.Matched {
			return res
		}
	}
	return chat.VerifyResult{}
}

func (a Any) exact() bool {
	for _, m := range a {
		if m != nil && m.exact() {
			return true
		}
	}
	return false
}

// Match evaluates m against text. A nil matcher never matches.
func Match(m Matcher, text string) chat.VerifyResult {
	if m == nil {
		return chat.VerifyResult{}
	}
	return m.match(text)
}
