// Package session coordinates question sessions: it reconciles the live event
// stream and the terminal answer exchange into one ordered rendering timeline
// and keeps superseded sessions from producing live output.
package session

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a Session.
type State int

const (
	Active State = iota
	Superseded
	Finalized
)

var stateNames = map[State]string{
	Active:     "active",
	Superseded: "superseded",
	Finalized:  "finalized",
}

var stateFromName = map[string]State{
	"active":     Active,
	"superseded": Superseded,
	"finalized":  Finalized,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := stateFromName[n]; ok {
		*s = v
	}
	return nil
}

// Session is one user question.
type Session struct {
	ID          int64      `json:"id"`
	Mode        string     `json:"mode"`
	Question    string     `json:"question"`
	State       State      `json:"state"`
	Failed      bool       `json:"failed,omitempty"` // finalized by an exchange error
	SubmittedAt time.Time  `json:"submittedAt"`
	FinalizedAt *time.Time `json:"finalizedAt,omitempty"`
}

// IsTerminal reports whether the session has rendered its final output.
func (s *Session) IsTerminal() bool {
	return s.State == Finalized
}

// answerPhase is the per-stream answer mini state machine.
type answerPhase int

const (
	answerIdle answerPhase = iota
	answerStreaming
)

// streamState tracks the one open event stream and the answer it is building.
type streamState struct {
	owner  int64 // session the transport was opened for; 0 when none
	open   bool  // the adapter confirmed the connection
	phase  answerPhase
	slot   int // current answer slot; increments on every reset
	buffer []byte
}

func (st *streamState) reset() {
	*st = streamState{}
}
