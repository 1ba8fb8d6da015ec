package app

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pageassist/assist/internal/config"
)

type commandKind int

const (
	cmdAsk commandKind = iota
	cmdMode
	cmdJump
	cmdCrawl
	cmdIndex
	cmdQuit
)

// command is one line typed into the input.
type command struct {
	kind commandKind
	text string // question for cmdAsk, mode for cmdMode
	n    int    // source number for cmdJump
}

// parseCommand interprets an input line. Lines not starting with "/" are
// questions.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdAsk, text: line}, nil
	}

	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	switch name {
	case "/mode":
		if len(args) != 1 || !config.ValidMode(args[0]) {
			return command{}, fmt.Errorf("usage: /mode %s", strings.Join(config.Modes, "|"))
		}
		return command{kind: cmdMode, text: args[0]}, nil
	case "/jump":
		if len(args) != 1 {
			return command{}, fmt.Errorf("usage: /jump N")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return command{}, fmt.Errorf("/jump: %q is not a source number", args[0])
		}
		return command{kind: cmdJump, n: n}, nil
	case "/crawl":
		return command{kind: cmdCrawl}, nil
	case "/index":
		return command{kind: cmdIndex}, nil
	case "/quit", "/exit":
		return command{kind: cmdQuit}, nil
	default:
		return command{}, fmt.Errorf("unknown command %s", name)
	}
}

// nextMode returns the mode after mode in config.Modes, wrapping around.
func nextMode(mode string) string {
	for i, m := range config.Modes {
		if m == mode {
			return config.Modes[(i+1)%len(config.Modes)]
		}
	}
	return config.Modes[0]
}
