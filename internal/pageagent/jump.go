package pageagent

import (
	"context"
	"strings"
)

// NotFoundNotice is shown when no form of an excerpt occurs on the page.
const NotFoundNotice = "Could not locate the answer in the page."

// JumpResult is the outcome of locating an excerpt.
type JumpResult struct {
	Found   bool
	Snippet string // the candidate that matched
	Notice  string // set when nothing matched
	Err     error  // last agent error, if the agent failed
}

// JumpCandidates lists the forms of excerpt to try, in order: verbatim,
// trimmed, the first 60 characters, the first 6 words, the first 10 words.
// Words are split on single spaces. Empty and repeated forms are dropped.
func JumpCandidates(excerpt string) []string {
	words := strings.Split(excerpt, " ")
	forms := []string{
		excerpt,
		strings.TrimSpace(excerpt),
		firstRunes(excerpt, 60),
		strings.Join(words[:min(6, len(words))], " "),
		strings.Join(words[:min(10, len(words))], " "),
	}

	seen := make(map[string]bool, len(forms))
	out := forms[:0]
	for _, f := range forms {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func firstRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// JumpToExcerpt moves the page to the first candidate form of excerpt that
// the agent can find. An empty excerpt does nothing.
func JumpToExcerpt(ctx context.Context, a Agent, excerpt string) JumpResult {
	candidates := JumpCandidates(excerpt)
	if len(candidates) == 0 {
		return JumpResult{}
	}

	var lastErr error
	for _, snippet := range candidates {
		found, err := a.Find(ctx, snippet)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if found {
			return JumpResult{Found: true, Snippet: snippet}
		}
	}
	return JumpResult{Notice: NotFoundNotice, Err: lastErr}
}
