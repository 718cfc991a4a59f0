package transcript

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dez2003/bio-for-dummies/internal/agent"
	"github.com/dez2003/bio-for-dummies/internal/pcm"
)

type stubRecognizer struct {
	mu    sync.Mutex
	text  string
	err   error
	calls [][]byte
}

func (r *stubRecognizer) Recognize(_ context.Context, audio []byte, rate int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, audio)
	return r.text, r.err
}

func (r *stubRecognizer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func loudFrame() []byte {
	s := make([]int16, 320)
	for i := range s {
		s[i] = 3000
	}
	return pcm.Bytes(s)
}

func quietFrame() []byte { return make([]byte, 640) }

// newManualSegmenter returns a started segmenter whose poll loop never fires,
// so tests drive tick() with a fake clock.
func newManualSegmenter(t *testing.T, rec Recognizer, cfg SegmenterConfig) (*Segmenter, *fakeClock) {
	t.Helper()
	cfg.PollInterval = time.Hour
	s := NewSegmenter(rec, cfg, zaptest.NewLogger(t))
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	s.now = clock.now
	require.NoError(t, s.Start(context.Background()))
	return s, clock
}

func drain(ch <-chan agent.TranscriptEvent) []agent.TranscriptEvent {
	var out []agent.TranscriptEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSegmenter_SilenceFinalizesOnce(t *testing.T) {
	rec := &stubRecognizer{text: " what are mitochondria "}
	s, clock := newManualSegmenter(t, rec, SegmenterConfig{})

	for i := 0; i < 5; i++ {
		s.Write(loudFrame())
		clock.advance(20 * time.Millisecond)
	}
	s.tick()
	assert.Equal(t, 0, rec.count(), "should not finalize before the silence window")

	clock.advance(501 * time.Millisecond)
	s.tick()
	s.tick()

	assert.Equal(t, 0, s.Buffered())
	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.calls[0], 5*640)

	events := drain(s.Events())
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventFinal, events[0].Kind)
	assert.Equal(t, "what are mitochondria", events[0].Text)
	assert.Equal(t, 600*time.Millisecond+time.Millisecond, events[0].At)
	require.NoError(t, s.Stop())
}

func TestSegmenter_SilenceWithRealTicker(t *testing.T) {
	rec := &stubRecognizer{text: "hello"}
	s := NewSegmenter(rec, SegmenterConfig{SilenceThreshold: 30 * time.Millisecond, PollInterval: 5 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))
	s.Write(loudFrame())

	select {
	case ev := <-s.Events():
		assert.Equal(t, agent.EventFinal, ev.Kind)
		assert.Equal(t, "hello", ev.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no final event")
	}
	assert.Equal(t, 0, s.Buffered())
	require.NoError(t, s.Stop())
	assert.Equal(t, 1, rec.count())
}

func TestSegmenter_PartialEveryKFrames(t *testing.T) {
	s, _ := newManualSegmenter(t, &stubRecognizer{}, SegmenterConfig{PartialEvery: 3})
	for i := 0; i < 7; i++ {
		s.Write(loudFrame())
	}
	events := drain(s.Events())
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, agent.EventPartial, ev.Kind)
		assert.Equal(t, PartialText, ev.Text)
	}
	require.NoError(t, s.Stop())
}

func TestSegmenter_StopFlushesBuffer(t *testing.T) {
	rec := &stubRecognizer{text: "flushed"}
	s, _ := newManualSegmenter(t, rec, SegmenterConfig{})
	s.Write(loudFrame())

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	var events []agent.TranscriptEvent
	for ev := range s.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventFinal, events[0].Kind)
	assert.Equal(t, "flushed", events[0].Text)

	s.Write(loudFrame())
	assert.Equal(t, 0, s.Buffered())
}

func TestSegmenter_StartContract(t *testing.T) {
	s := NewSegmenter(&stubRecognizer{}, SegmenterConfig{}, nil)
	s.Write(loudFrame())
	assert.Equal(t, 0, s.Buffered(), "write before start is a no-op")

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

func TestSegmenter_RecognizerErrorBecomesEvent(t *testing.T) {
	rec := &stubRecognizer{err: errors.New("backend down")}
	s, clock := newManualSegmenter(t, rec, SegmenterConfig{})
	s.Write(loudFrame())
	clock.advance(time.Second)
	s.tick()

	events := drain(s.Events())
	require.Len(t, events, 1)
	assert.Equal(t, agent.EventError, events[0].Kind)
	assert.EqualError(t, events[0].Err, "backend down")
	assert.Equal(t, 0, s.Buffered())

	// still running
	rec.mu.Lock()
	rec.err, rec.text = nil, "recovered"
	rec.mu.Unlock()
	s.Write(loudFrame())
	clock.advance(time.Second)
	s.tick()
	events = drain(s.Events())
	require.Len(t, events, 1)
	assert.Equal(t, "recovered", events[0].Text)
	require.NoError(t, s.Stop())
}

func TestSegmenter_BlankTranscriptionEmitsNothing(t *testing.T) {
	s, clock := newManualSegmenter(t, &stubRecognizer{text: "   "}, SegmenterConfig{})
	s.Write(loudFrame())
	clock.advance(time.Second)
	s.tick()
	assert.Empty(t, drain(s.Events()))
	require.NoError(t, s.Stop())
}

func TestSegmenter_GateIgnoresLeadingSilence(t *testing.T) {
	gate := &VoiceGate{Threshold: 300, Window: 1}
	rec := &stubRecognizer{text: "hi"}
	s, clock := newManualSegmenter(t, rec, SegmenterConfig{Gate: gate})

	s.Write(quietFrame())
	assert.Equal(t, 0, s.Buffered(), "silence before speech is not buffered")

	s.Write(loudFrame())
	clock.advance(300 * time.Millisecond)
	// trailing silence is buffered but does not count as activity
	s.Write(quietFrame())
	clock.advance(300 * time.Millisecond)
	s.tick()

	require.Equal(t, 1, rec.count())
	assert.Len(t, rec.calls[0], 2*640)
	require.NoError(t, s.Stop())
}

func TestVoiceGate_Smoothing(t *testing.T) {
	g := NewVoiceGate()
	assert.False(t, g.Voiced(quietFrame()))
	assert.True(t, g.Voiced(loudFrame()))
	assert.True(t, g.Voiced(loudFrame()))
	assert.True(t, g.Voiced(quietFrame()), "short pauses stay voiced")
	assert.True(t, g.Voiced(quietFrame()))
	assert.False(t, g.Voiced(quietFrame()))
	assert.False(t, g.Voiced(nil))

	g.Reset()
	assert.False(t, g.Voiced(quietFrame()))
}

func TestSegmenter_WriteDuringStop(t *testing.T) {
	for i := 0; i < 50; i++ {
		s := NewSegmenter(&stubRecognizer{}, SegmenterConfig{PartialEvery: 1, PollInterval: time.Hour}, zaptest.NewLogger(t))
		require.NoError(t, s.Start(context.Background()))

		var wg sync.WaitGroup
		start := make(chan struct{})
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for j := 0; j < 200; j++ {
					s.Write(loudFrame())
				}
			}()
		}
		go func() {
			for range s.Events() {
			}
		}()
		close(start)
		require.NoError(t, s.Stop())
		wg.Wait()
		assert.Equal(t, 0, s.Buffered())
	}
}
