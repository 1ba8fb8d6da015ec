// Package client provides the event-stream and HTTP clients for the answering
// backend. Types mirror the backend wire protocol.
package client

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MessageType identifies the kind of event-stream message.
type MessageType string

const (
	MsgNarration    MessageType = "narration"
	MsgLinksMessage MessageType = "llm_links_message"
	MsgSelectedLink MessageType = "selected_links"
	MsgAnswerReset  MessageType = "answer_reset"
	MsgAnswerDelta  MessageType = "answer_delta"
	MsgAnswerDone   MessageType = "answer_done"
)

// EventKind is the decoded kind of a stream event.
type EventKind int

const (
	EventNarration EventKind = iota
	EventLinkSuggestion
	EventAnswerReset
	EventAnswerDelta
	EventAnswerDone
)

var eventKindNames = map[EventKind]string{
	EventNarration:      "narration",
	EventLinkSuggestion: "link_suggestion",
	EventAnswerReset:    "answer_reset",
	EventAnswerDelta:    "answer_delta",
	EventAnswerDone:     "answer_done",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Link is a hyperlink as exchanged with the backend and the page agent.
type Link struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// StreamEvent is one decoded event-stream message.
type StreamEvent struct {
	Kind  EventKind
	Text  string // narration line or answer fragment
	Links []Link // link_suggestion only
}

// wireMessage is the loose shape of a JSON stream message. Field names vary
// between backend versions, so text may arrive under several keys.
type wireMessage struct {
	Type    MessageType `json:"type"`
	Delta   string      `json:"delta"`
	Text    string      `json:"text"`
	Content string      `json:"content"`
	Message string      `json:"message"`
	Links   []Link      `json:"links"`
}

func (w wireMessage) body() string {
	for _, s := range []string{w.Delta, w.Text, w.Content, w.Message} {
		if s != "" {
			return s
		}
	}
	return ""
}

// DecodeEvent turns a raw stream message into a StreamEvent. Anything that is
// not a recognised JSON event degrades to narration carrying the raw text.
func DecodeEvent(data []byte) StreamEvent {
	raw := string(data)
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return StreamEvent{Kind: EventNarration, Text: raw}
	}

	var msg wireMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StreamEvent{Kind: EventNarration, Text: raw}
	}

	switch msg.Type {
	case MsgAnswerReset:
		return StreamEvent{Kind: EventAnswerReset}
	case MsgAnswerDelta:
		return StreamEvent{Kind: EventAnswerDelta, Text: msg.body()}
	case MsgAnswerDone:
		return StreamEvent{Kind: EventAnswerDone}
	case MsgLinksMessage, MsgSelectedLink:
		return StreamEvent{Kind: EventLinkSuggestion, Text: msg.body(), Links: msg.Links}
	case MsgNarration:
		return StreamEvent{Kind: EventNarration, Text: msg.body()}
	}

	if body := msg.body(); body != "" {
		return StreamEvent{Kind: EventNarration, Text: body}
	}
	return StreamEvent{Kind: EventNarration, Text: raw}
}

// outgoingMessage is the canonical encoding the mock backend emits.
type outgoingMessage struct {
	Type    MessageType `json:"type"`
	Delta   string      `json:"delta,omitempty"`
	Message string      `json:"message,omitempty"`
	Links   []Link      `json:"links,omitempty"`
}

// EncodeEvent is the inverse of DecodeEvent, used by the mock backend.
func EncodeEvent(ev StreamEvent) ([]byte, error) {
	var msg outgoingMessage
	switch ev.Kind {
	case EventNarration:
		msg = outgoingMessage{Type: MsgNarration, Message: ev.Text}
	case EventLinkSuggestion:
		msg = outgoingMessage{Type: MsgLinksMessage, Message: ev.Text, Links: ev.Links}
	case EventAnswerReset:
		msg = outgoingMessage{Type: MsgAnswerReset}
	case EventAnswerDelta:
		msg = outgoingMessage{Type: MsgAnswerDelta, Delta: ev.Text}
	case EventAnswerDone:
		msg = outgoingMessage{Type: MsgAnswerDone}
	default:
		return nil, fmt.Errorf("unknown event kind %d", ev.Kind)
	}
	return json.Marshal(msg)
}

// AskRequest is the body of an answer exchange. Simple mode sends only Text
// and Question.
type AskRequest struct {
	Text     string `json:"text"`
	Question string `json:"question"`
	Links    []Link `json:"links,omitempty"`
	PageURL  string `json:"page_url,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

// Source is one cited excerpt of a final answer.
type Source struct {
	Excerpt string `json:"excerpt"`
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
}

// FinalResult is the payload of the terminal answer exchange.
type FinalResult struct {
	Answer        string   `json:"answer"`
	Sources       []Source `json:"sources"`
	Sufficient    *bool    `json:"sufficient,omitempty"`
	SelectedLinks []Link   `json:"selected_links,omitempty"`
	VisitedURLs   []string `json:"visited_urls,omitempty"`
	Confidence    *int     `json:"confidence,omitempty"`
}

// UnmarshalJSON accepts sources either as objects or as bare excerpt strings,
// and tolerates the camelCase link key some endpoints use.
func (r *FinalResult) UnmarshalJSON(data []byte) error {
	type alias FinalResult
	aux := struct {
		*alias
		Sources       []json.RawMessage `json:"sources"`
		SelectedLinks []Link            `json:"selectedLinks"`
		VisitedURLs   []string          `json:"visitedUrls"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.Sources = nil
	for _, raw := range aux.Sources {
		var src Source
		if err := json.Unmarshal(raw, &src); err == nil {
			r.Sources = append(r.Sources, src)
			continue
		}
		var excerpt string
		if err := json.Unmarshal(raw, &excerpt); err != nil {
			return fmt.Errorf("source entry: %w", err)
		}
		r.Sources = append(r.Sources, Source{Excerpt: excerpt})
	}
	if len(r.SelectedLinks) == 0 {
		r.SelectedLinks = aux.SelectedLinks
	}
	if len(r.VisitedURLs) == 0 {
		r.VisitedURLs = aux.VisitedURLs
	}
	return nil
}

// PageReport is one crawled page sent to the ingestion endpoint.
type PageReport struct {
	URL    string `json:"url"`
	HTML   string `json:"html"`
	Domain string `json:"domain"`
}

// IndexStatus is the reply of the is-indexed endpoint.
type IndexStatus struct {
	Indexed bool   `json:"indexed"`
	Host    string `json:"host"`
	Source  string `json:"source"`
}

// IndexSiteReply is the reply of the index-site endpoint.
type IndexSiteReply struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}
