package transcript

import (
	"time"

	"github.com/charmbracelet/harmonica"
)

// FPS is the frame rate of answer smoothing.
const FPS = 30

// FrameInterval is the time between two Tick calls while text is revealing.
const FrameInterval = time.Second / FPS

// pacer reveals streamed text along a critically damped spring. The revealed
// length never passes the received length.
type pacer struct {
	spring harmonica.Spring
}

func newPacer() pacer {
	return pacer{spring: harmonica.NewSpring(harmonica.FPS(FPS), 12.0, 1.0)}
}

// pace is the spring state of one answer slot.
type pace struct {
	pos, vel float64
}

// step advances p toward target and returns the number of runes to show.
func (pc pacer) step(p *pace, target int) int {
	goal := float64(target)
	p.pos, p.vel = pc.spring.Update(p.pos, p.vel, goal)
	if goal-p.pos < 0.5 {
		p.pos, p.vel = goal, 0
	}
	return max(0, min(int(p.pos), target))
}
