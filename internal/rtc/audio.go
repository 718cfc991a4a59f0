package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"

	"github.com/dez2003/bio-for-dummies/internal/pcm"
)

const (
	frameDuration = 20 * time.Millisecond
	// 20ms at 48kHz
	speechFrameSamples = 960
	tailSilenceFrames  = 10
)

// sampleWriter is the part of a local track the pacer needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// OpusPacedWriter encodes 48kHz PCM mono speech to Opus and writes one frame
// per 20ms to the outbound track. It implements agent.AudioSink.
type OpusPacedWriter struct {
	enc          *opus.Encoder
	track        sampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

func NewOpusPacedWriter(track sampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(pcm.SpeechRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: speechFrameSamples,
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers speech and queues every complete frame. It blocks while the
// queue is full so no audio is dropped.
func (w *OpusPacedWriter) WritePCM(b []byte) {
	if len(b) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pcmBuf = append(w.pcmBuf, pcm.Samples(b)...)

	out := make([]byte, 4000)
	for len(w.pcmBuf) >= w.frameSamples {
		w.encodeFrame(w.pcmBuf[:w.frameSamples], out)
		w.pcmBuf = append(w.pcmBuf[:0], w.pcmBuf[w.frameSamples:]...)
	}
}

// FlushTail zero-pads the last partial frame and appends ~200ms of silence so
// the remote decoder does not clip the final syllable.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]byte, 4000)
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encodeFrame(pad, out)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < tailSilenceFrames; i++ {
		w.encodeFrame(silence, out)
	}
}

func (w *OpusPacedWriter) encodeFrame(frame []int16, out []byte) {
	n, err := w.enc.Encode(frame, out)
	if err != nil || n == 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, out[:n])
	w.pushFrame(pkt)
}

// Close stops the pacer. Queued frames are discarded.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
}

// Pending reports queued, not yet written frames.
func (w *OpusPacedWriter) Pending() int { return len(w.frames) }

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
			default:
			}
		}
	}
}

func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}
