package transcript

import (
	"sync"

	"github.com/dez2003/bio-for-dummies/internal/pcm"
)

// VoiceGate is an energy VAD with majority smoothing over the last few frames.
// Continuous transports deliver frames during silence too, so the segmenter
// only treats gated frames as activity.
type VoiceGate struct {
	Threshold float64
	Window    int

	mu  sync.Mutex
	win []bool
}

// NewVoiceGate returns a gate tuned for 16 kHz speech.
func NewVoiceGate() *VoiceGate { return &VoiceGate{Threshold: 300, Window: 4} }

// Voiced reports whether the smoothed window considers frame speech.
func (g *VoiceGate) Voiced(frame []byte) bool {
	if len(frame) < 2 {
		return false
	}
	loud := pcm.RMS(frame) >= g.Threshold
	g.mu.Lock()
	defer g.mu.Unlock()
	g.win = append(g.win, loud)
	if n := g.Window; n > 0 && len(g.win) > n {
		g.win = g.win[len(g.win)-n:]
	}
	votes := 0
	for _, v := range g.win {
		if v {
			votes++
		}
	}
	return votes*2 >= len(g.win) && votes > 0
}

// Reset forgets the smoothing window.
func (g *VoiceGate) Reset() {
	g.mu.Lock()
	g.win = g.win[:0]
	g.mu.Unlock()
}
