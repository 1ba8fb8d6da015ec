package status

import (
	"strings"
	"testing"
)

func TestViewStreamStates(t *testing.T) {
	tests := []struct {
		state StreamState
		want  string
	}{
		{StreamOff, "No stream"},
		{StreamConnecting, "Connecting"},
		{StreamLive, "Live"},
		{StreamLost, "Stream lost"},
	}
	for _, tt := range tests {
		m := New("narrated")
		m.Width = 100
		m.Stream = tt.state
		if v := m.View(); !strings.Contains(v, tt.want) {
			t.Errorf("state %d: view should contain %q", tt.state, tt.want)
		}
	}
}

func TestViewSession(t *testing.T) {
	m := New("direct")
	m.Width = 100
	if v := m.View(); !strings.Contains(v, "no question yet") {
		t.Error("fresh status bar should say no question yet")
	}

	m.Session = 3
	m.Busy = true
	m.Index = "indexed"
	m.Page = "Pricing Guide"
	v := m.View()
	for _, want := range []string{"direct", "#3 answering", "indexed", "Pricing Guide"} {
		if !strings.Contains(v, want) {
			t.Errorf("view should contain %q", want)
		}
	}
}

func TestViewTruncatesLongPage(t *testing.T) {
	m := New("simple")
	m.Width = 60
	m.Page = strings.Repeat("x", 100)
	if v := m.View(); strings.Contains(v, strings.Repeat("x", 30)) {
		t.Error("long page identity should be truncated")
	}
}
