package mockbackend

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/pageassist/assist/internal/client"
)

// noAnswer is the reply when no sentence shares a word with the question.
const noAnswer = "I could not find anything about that on this page."

// Script is the scripted reply to one question: what the relay narrates,
// followed by the answer it streams.
type Script struct {
	Narration []string
	Suggested []client.Link
	Answer    string
	Sources   []client.Source
	Visited   []string
	Found     bool
}

// Events returns the stream events that play s.
func (s Script) Events() []client.StreamEvent {
	var evs []client.StreamEvent
	for _, line := range s.Narration {
		evs = append(evs, client.StreamEvent{Kind: client.EventNarration, Text: line})
	}
	if len(s.Suggested) > 0 {
		evs = append(evs, client.StreamEvent{Kind: client.EventLinkSuggestion, Text: "Following links", Links: s.Suggested})
	}
	evs = append(evs, client.StreamEvent{Kind: client.EventAnswerReset})
	for _, chunk := range chunks(s.Answer) {
		evs = append(evs, client.StreamEvent{Kind: client.EventAnswerDelta, Text: chunk})
	}
	return append(evs, client.StreamEvent{Kind: client.EventAnswerDone})
}

// Result is the final exchange payload matching s.
func (s Script) Result(withLinks bool) client.FinalResult {
	found := s.Found
	res := client.FinalResult{
		Answer:     s.Answer,
		Sources:    s.Sources,
		Sufficient: &found,
	}
	if withLinks {
		res.SelectedLinks = s.Suggested
		res.VisitedURLs = s.Visited
	}
	return res
}

// document is one page the mock can quote from.
type document struct {
	URL   string
	Title string
	Text  string
}

// BuildScript answers question from docs by quoting the sentences that share
// the most words with it.
func BuildScript(question string, docs []document, links []client.Link) Script {
	var s Script
	for _, d := range docs {
		if d.URL != "" {
			s.Narration = append(s.Narration, fmt.Sprintf("Reading %s", d.URL))
			s.Visited = append(s.Visited, d.URL)
		}
	}
	if len(links) > 0 {
		s.Narration = append(s.Narration, fmt.Sprintf("Found %d links on the page", len(links)))
		s.Suggested = links[:min(3, len(links))]
	}

	hits := bestSentences(question, docs, 2)
	if len(hits) == 0 {
		s.Answer = noAnswer
		return s
	}
	s.Found = true
	quotes := make([]string, 0, len(hits))
	for _, h := range hits {
		quotes = append(quotes, h.sentence)
		s.Sources = append(s.Sources, client.Source{Excerpt: h.sentence, Title: h.doc.Title, URL: h.doc.URL})
	}
	s.Narration = append(s.Narration, fmt.Sprintf("Found %d relevant passages", len(hits)))
	s.Answer = strings.Join(quotes, " ")
	return s
}

type hit struct {
	doc      document
	sentence string
	score    int
	order    int
}

func bestSentences(question string, docs []document, limit int) []hit {
	terms := words(question)
	if len(terms) == 0 {
		return nil
	}

	var hits []hit
	order := 0
	for _, d := range docs {
		for _, sentence := range sentences(d.Text) {
			score := 0
			for w := range words(sentence) {
				if terms[w] {
					score++
				}
			}
			if score > 0 {
				hits = append(hits, hit{doc: d, sentence: sentence, score: score, order: order})
			}
			order++
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].order < hits[j].order })
	return hits
}

// words returns the distinct lower-cased words of s longer than three letters.
func words(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

func sentences(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		start := 0
		for i := 0; i < len(line); i++ {
			if line[i] != '.' && line[i] != '?' && line[i] != '!' {
				continue
			}
			if i+1 < len(line) && line[i+1] != ' ' {
				continue
			}
			if s := strings.TrimSpace(line[start : i+1]); s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
		if s := strings.TrimSpace(line[start:]); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// chunks splits text into word-sized deltas that concatenate back to text.
func chunks(text string) []string {
	var out []string
	start := 0
	for i := 1; i < len(text); i++ {
		if text[i] == ' ' {
			out = append(out, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
