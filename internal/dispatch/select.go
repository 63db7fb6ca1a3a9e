// ABOUTME: Handler selection: scope and prefix filtering, scoring, and tie-breaking.
// ABOUTME: Custom verifiers run concurrently; the earliest registration wins ties.

package dispatch

import (
	"context"
	"errors"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-bot/internal/chat"
)

// maxConcurrentVerifiers bounds the verifier goroutines of one dispatch.
const maxConcurrentVerifiers = 16

// Selection is the handler chosen for a message.
type Selection struct {
	Handler string
	Result  chat.VerifyResult

	h *messageHandler
}

type scored struct {
	res chat.VerifyResult
	err error
}

// Select runs handler selection for m without executing anything. Verifier
// failures are joined into the returned error; they never prevent another
// handler from being selected.
func (r *Router) Select(ctx context.Context, m *chat.Message) (*Selection, error) {
	sel, faults := r.snapshot().selectHandler(ctx, m)
	errs := make([]error, 0, len(faults))
	for _, f := range faults {
		errs = append(errs, f.Err)
	}
	return sel, errors.Join(errs...)
}

func (s snapshot) selectHandler(ctx context.Context, m *chat.Message) (*Selection, []Fault) {
	results := make([]scored, len(s.handlers))

	var g errgroup.Group
	g.SetLimit(maxConcurrentVerifiers)
	for i, h := range s.handlers {
		matcher, body, ok := s.candidate(h, m)
		if !ok {
			continue
		}
		if h.spec.Verify == nil {
			results[i].res = weigh(h.spec, Match(matcher, body))
			continue
		}
		g.Go(func() error {
			err := protect(func() error {
				res, err := h.spec.Verify(ctx, m)
				if err != nil {
					return err
				}
				results[i].res = weigh(h.spec, res)
				return nil
			})
			if err != nil {
				results[i] = scored{err: err}
			}
			return nil
		})
	}
	_ = g.Wait()

	var (
		best   *Selection
		faults []Fault
	)
	for i, r := range results {
		h := s.handlers[i]
		if r.err != nil {
			faults = append(faults, Fault{Err: r.err, Handler: h.spec.Name, Stage: "verify", Message: m})
			continue
		}
		if !r.res.Matched {
			continue
		}
		// Strictly greater keeps the earliest registration on ties.
		if best == nil || r.res.Weight > best.Result.Weight {
			best = &Selection{Handler: h.spec.Name, Result: r.res, h: h}
		}
	}
	return best, faults
}

// candidate applies scope and prefix rules. It returns the matcher to score
// with and the text to score against.
func (s snapshot) candidate(h *messageHandler, m *chat.Message) (Matcher, string, bool) {
	spec := h.spec
	if spec.DirectOnly && !m.Direct {
		return nil, "", false
	}
	if m.Direct && !spec.AllowDirect && !spec.DirectOnly {
		return nil, "", false
	}

	prefixes := spec.Prefixes
	if len(prefixes) == 0 {
		prefixes = s.prefixes
	}
	body, prefixed := bodyFor(m, prefixes)

	switch {
	case spec.NoPrefix, m.Mentioned, prefixed:
		return spec.Match, body, true
	case spec.Verify == nil && spec.Match != nil && spec.Match.exact():
		// Fixed commands work unprefixed, but only through their Equal literals.
		return exactOnly(spec.Match), body, true
	}
	return nil, "", false
}

// bodyFor returns the text to match and whether the prefix requirement is
// met. An empty prefix list imposes no requirement.
func bodyFor(m *chat.Message, prefixes []string) (string, bool) {
	if len(prefixes) == 0 {
		return m.Text, true
	}
	if m.Prefix != "" && slices.Contains(prefixes, m.Prefix) {
		return m.Text, true
	}
	if rest, _, ok := chat.CutPrefix(m.Text, prefixes); ok {
		return rest, true
	}
	return m.Text, false
}

func exactOnly(m Matcher) Matcher {
	switch v := m.(type) {
	case Equal:
		return v
	case Any:
		var out Any
		for _, sub := range v {
			if sub == nil || !sub.exact() {
				continue
			}
			out = append(out, exactOnly(sub))
		}
		return out
	}
	return nil
}

// weigh applies the registration weight to a matched result. Built-in
// matchers are overridden by a positive Weight; custom verifiers keep their
// own weight and only fall back to Weight when they report none.
func weigh(spec MessageSpec, res chat.VerifyResult) chat.VerifyResult {
	if !res.Matched {
		return chat.VerifyResult{}
	}
	if spec.Weight > 0 && (spec.Verify == nil || res.Weight <= 0) {
		res.Weight = spec.Weight
	}
	if res.Weight <= 0 {
		res.Weight = 1
	}
	return res
}
