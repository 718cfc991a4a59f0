package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeTranscriber struct {
	events  chan TranscriptEvent
	writes  int32
	stopped int32
}

func newFakeTranscriber() *fakeTranscriber {
	return &fakeTranscriber{events: make(chan TranscriptEvent, 16)}
}

func (f *fakeTranscriber) Start(context.Context) error     { return nil }
func (f *fakeTranscriber) Write([]byte)                    { atomic.AddInt32(&f.writes, 1) }
func (f *fakeTranscriber) Events() <-chan TranscriptEvent { return f.events }
func (f *fakeTranscriber) Stop() error {
	if atomic.CompareAndSwapInt32(&f.stopped, 0, 1) {
		close(f.events)
	}
	return nil
}

func (f *fakeTranscriber) final(text string) {
	f.events <- TranscriptEvent{Kind: EventFinal, Text: text}
}

type fakeRetriever struct {
	calls   int32
	release chan struct{}
	panics  bool
}

func (f *fakeRetriever) Retrieve(ctx context.Context, term string) RetrievalResult {
	atomic.AddInt32(&f.calls, 1)
	if f.release != nil {
		<-f.release
	}
	if f.panics {
		panic("provider exploded")
	}
	return RetrievalResult{Summary: "about " + term, Sources: []SourceResult{{Title: "T", URL: "https://example.org"}}}
}

type fakeAnswerer struct {
	mu      sync.Mutex
	queries []Query
}

func (f *fakeAnswerer) Answer(ctx context.Context, q Query, r RetrievalResult) AnswerMessage {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	return AnswerMessage{Mode: q.Preferences.Mode, Summary: "answer: " + r.Summary}
}

func (f *fakeAnswerer) last() Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

type fakeSpeaker struct {
	chunks [][]byte
	err    error
	voices []string
	mu     sync.Mutex
}

func (f *fakeSpeaker) SpeakStream(ctx context.Context, text, voiceID string) (<-chan []byte, <-chan error) {
	f.mu.Lock()
	f.voices = append(f.voices, voiceID)
	f.mu.Unlock()
	pcm := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		defer close(pcm)
		defer close(errc)
		for _, c := range f.chunks {
			select {
			case pcm <- c:
			case <-ctx.Done():
				return
			}
		}
		if f.err != nil {
			errc <- f.err
		}
	}()
	return pcm, errc
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recordingSink) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func (r *recordingSink) captions(kind string) []string {
	var out []string
	for _, m := range r.snapshot() {
		if c, ok := m.(CaptionMessage); ok && c.Type == kind {
			out = append(out, c.Text)
		}
	}
	return out
}

func (r *recordingSink) answers() []AnswerMessage {
	var out []AnswerMessage
	for _, m := range r.snapshot() {
		if a, ok := m.(AnswerMessage); ok {
			out = append(out, a)
		}
	}
	return out
}

type recordingAudio struct {
	mu      sync.Mutex
	chunks  [][]byte
	flushes int
}

func (a *recordingAudio) WritePCM(p []byte) {
	a.mu.Lock()
	a.chunks = append(a.chunks, p)
	a.mu.Unlock()
}

func (a *recordingAudio) FlushTail() {
	a.mu.Lock()
	a.flushes++
	a.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startSession(t *testing.T, deps Deps, sink EventSink, audio AudioSink) *Session {
	t.Helper()
	deps.Logger = zaptest.NewLogger(t)
	s := NewSession("test", deps, sink, audio)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Wait(ctx)
	})
	return s
}

func TestSession_SecondFinalDroppedWhileProcessing(t *testing.T) {
	tr := newFakeTranscriber()
	ret := &fakeRetriever{release: make(chan struct{})}
	sink := &recordingSink{}
	s := startSession(t, Deps{Transcriber: tr, Retriever: ret, Answerer: &fakeAnswerer{}, Speaker: &fakeSpeaker{}}, sink, nil)

	tr.final("what is dna")
	waitFor(t, "first retrieval", func() bool { return atomic.LoadInt32(&ret.calls) == 1 })

	tr.final("what is rna")
	// the partial is routed after the second final, so once it shows up the final was handled
	tr.events <- TranscriptEvent{Kind: EventPartial, Text: "marker"}
	waitFor(t, "marker partial", func() bool { return len(sink.captions("partial")) == 1 })

	close(ret.release)
	waitFor(t, "pipeline done", func() bool { return !s.Processing() })

	if got := atomic.LoadInt32(&ret.calls); got != 1 {
		t.Fatalf("expected exactly one retrieval, got %d", got)
	}
	finals := sink.captions("final")
	if len(finals) != 1 || finals[0] != "what is dna" {
		t.Fatalf("unexpected final captions: %v", finals)
	}
	if n := len(sink.answers()); n != 1 {
		t.Fatalf("expected one answer, got %d", n)
	}
}

func TestSession_DroppedFinalLoggedAsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	tr := newFakeTranscriber()
	ret := &fakeRetriever{release: make(chan struct{})}
	sink := &recordingSink{}
	s := NewSession("warn", Deps{Transcriber: tr, Retriever: ret, Answerer: &fakeAnswerer{}, Logger: zap.New(core)}, sink, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.final("what is dna")
	waitFor(t, "first retrieval", func() bool { return atomic.LoadInt32(&ret.calls) == 1 })
	tr.final("what is rna")
	waitFor(t, "drop logged", func() bool {
		return logs.FilterMessage("dropping final while a query is in flight").Len() == 1
	})

	entry := logs.FilterMessage("dropping final while a query is in flight").All()[0]
	if entry.Level != zapcore.WarnLevel {
		t.Fatalf("dropped final logged at %s, want warn", entry.Level)
	}

	close(ret.release)
	_ = s.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestSession_FinalCaptionPrecedesAnswer(t *testing.T) {
	tr := newFakeTranscriber()
	sink := &recordingSink{}
	s := startSession(t, Deps{Transcriber: tr, Retriever: &fakeRetriever{}, Answerer: &fakeAnswerer{}, Speaker: &fakeSpeaker{}}, sink, nil)

	tr.final("mitochondria")
	waitFor(t, "answer", func() bool { return len(sink.answers()) == 1 })
	waitFor(t, "pipeline done", func() bool { return !s.Processing() })

	finalAt, answerAt := -1, -1
	for i, m := range sink.snapshot() {
		switch v := m.(type) {
		case CaptionMessage:
			if v.Type == "final" {
				finalAt = i
			}
		case AnswerMessage:
			answerAt = i
			if v.Type != "answer" {
				t.Fatalf("answer type = %q", v.Type)
			}
		}
	}
	if finalAt < 0 || answerAt < 0 || finalAt >= answerAt {
		t.Fatalf("final at %d, answer at %d", finalAt, answerAt)
	}
	if st := s.State(); st != StateListening {
		t.Fatalf("state after query = %v", st)
	}
}

func TestSession_ForwardsSpeechInOrder(t *testing.T) {
	tr := newFakeTranscriber()
	sp := &fakeSpeaker{chunks: [][]byte{{1, 0}, {2, 0}, {3, 0}}}
	audio := &recordingAudio{}
	s := startSession(t, Deps{Transcriber: tr, Retriever: &fakeRetriever{}, Answerer: &fakeAnswerer{}, Speaker: sp}, &recordingSink{}, audio)

	tr.final("hello")
	waitFor(t, "pipeline done", func() bool {
		audio.mu.Lock()
		defer audio.mu.Unlock()
		return audio.flushes == 1
	})
	waitFor(t, "guard released", func() bool { return !s.Processing() })

	audio.mu.Lock()
	defer audio.mu.Unlock()
	if len(audio.chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(audio.chunks))
	}
	for i, c := range audio.chunks {
		if c[0] != byte(i+1) {
			t.Fatalf("chunk %d out of order: %v", i, c)
		}
	}
}

func TestSession_SpeechErrorKeepsSessionUsable(t *testing.T) {
	tr := newFakeTranscriber()
	ret := &fakeRetriever{}
	sp := &fakeSpeaker{chunks: [][]byte{{1, 0}}, err: errors.New("tts down")}
	sink := &recordingSink{}
	s := startSession(t, Deps{Transcriber: tr, Retriever: ret, Answerer: &fakeAnswerer{}, Speaker: sp}, sink, nil)

	tr.final("one")
	waitFor(t, "first answer", func() bool { return len(sink.answers()) == 1 && !s.Processing() })
	tr.final("two")
	waitFor(t, "second answer", func() bool { return len(sink.answers()) == 2 && !s.Processing() })
	if got := atomic.LoadInt32(&ret.calls); got != 2 {
		t.Fatalf("expected 2 retrievals, got %d", got)
	}
}

func TestSession_PanicReleasesGuard(t *testing.T) {
	tr := newFakeTranscriber()
	ret := &fakeRetriever{panics: true}
	s := startSession(t, Deps{Transcriber: tr, Retriever: ret, Answerer: &fakeAnswerer{}}, &recordingSink{}, nil)

	tr.final("boom")
	waitFor(t, "first call", func() bool { return atomic.LoadInt32(&ret.calls) == 1 })
	waitFor(t, "guard released", func() bool { return !s.Processing() })

	tr.final("again")
	waitFor(t, "second call", func() bool { return atomic.LoadInt32(&ret.calls) == 2 })
}

func TestSession_ControlAppliesToNextQuery(t *testing.T) {
	tr := newFakeTranscriber()
	ans := &fakeAnswerer{}
	sp := &fakeSpeaker{}
	sink := &recordingSink{}
	s := startSession(t, Deps{Transcriber: tr, Retriever: &fakeRetriever{}, Answerer: ans, Speaker: sp}, sink, nil)

	if err := s.HandleControl([]byte(`{"type":"preferences","preferences":{"mode":"Scientific","detail":"summary","voiceId":"v1"}}`)); err != nil {
		t.Fatalf("preferences: %v", err)
	}
	if err := s.HandleControl([]byte(`{"type":"context","context":{"url":"https://x","title":"X","selection":"ATP synthase"}}`)); err != nil {
		t.Fatalf("context: %v", err)
	}
	if err := s.HandleControl([]byte(`{"type":"preferences","preferences":{"mode":"Pirate","detail":"summary"}}`)); err == nil {
		t.Fatalf("expected invalid mode to be rejected")
	}
	if err := s.HandleControl([]byte(`not json`)); err == nil {
		t.Fatalf("expected malformed message to be rejected")
	}

	tr.final("what is atp")
	waitFor(t, "answer", func() bool { return len(sink.answers()) == 1 && !s.Processing() })

	q := ans.last()
	if q.Preferences.Mode != ModeScientific || q.Preferences.Detail != DetailSummary {
		t.Fatalf("preferences not applied: %+v", q.Preferences)
	}
	if q.Context == nil || q.Context.Snippet() != "ATP synthase" {
		t.Fatalf("context not applied: %+v", q.Context)
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if len(sp.voices) != 1 || sp.voices[0] != "v1" {
		t.Fatalf("voice override not passed: %v", sp.voices)
	}
}

func TestSession_StopDoesNotCancelInFlightQuery(t *testing.T) {
	tr := newFakeTranscriber()
	ret := &fakeRetriever{release: make(chan struct{})}
	sink := &recordingSink{}
	s := NewSession("stop", Deps{Transcriber: tr, Retriever: ret, Answerer: &fakeAnswerer{}, Logger: zaptest.NewLogger(t)}, sink, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.final("slow question")
	waitFor(t, "retrieval", func() bool { return atomic.LoadInt32(&ret.calls) == 1 })
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	s.WriteAudio([]byte{0, 0})
	if atomic.LoadInt32(&tr.writes) != 0 {
		t.Fatalf("audio written after stop")
	}

	close(ret.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n := len(sink.answers()); n != 1 {
		t.Fatalf("in-flight query should complete after stop, answers=%d", n)
	}
	if st := s.State(); st != StateIdle {
		t.Fatalf("state after stop = %v", st)
	}
}

func TestSession_StartTwiceFails(t *testing.T) {
	s := startSession(t, Deps{Transcriber: newFakeTranscriber()}, nil, nil)
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestSession_FirstAudioEntersListening(t *testing.T) {
	tr := newFakeTranscriber()
	sink := &recordingSink{}
	s := startSession(t, Deps{Transcriber: tr}, sink, nil)
	if s.State() != StateIdle {
		t.Fatalf("initial state = %v", s.State())
	}
	s.WriteAudio([]byte{1, 0})
	s.WriteAudio([]byte{1, 0})
	if s.State() != StateListening {
		t.Fatalf("state = %v", s.State())
	}
	msgs := sink.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("expected a single status message, got %d", len(msgs))
	}
	b, _ := json.Marshal(msgs[0])
	if string(b) != `{"type":"status","status":"recording"}` {
		t.Fatalf("status message = %s", b)
	}
}

func TestParseControl(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
	}{
		{"preferences", `{"type":"preferences","preferences":{"mode":"ELI5","detail":"summary+sources"}}`, true},
		{"context", `{"type":"context","context":{"url":"https://a","title":"A"}}`, true},
		{"bad detail", `{"type":"preferences","preferences":{"mode":"ELI5","detail":"everything"}}`, false},
		{"missing preferences", `{"type":"preferences"}`, false},
		{"empty context", `{"type":"context","context":{}}`, false},
		{"unknown type", `{"type":"volume"}`, false},
		{"garbage", `{`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseControl([]byte(tc.in))
			if (err == nil) != tc.ok {
				t.Fatalf("ok=%v err=%v", tc.ok, err)
			}
		})
	}
}

func TestAnswerMessageJSONOmitsSnippets(t *testing.T) {
	msg := AnswerMessage{Type: "answer", Mode: ModeELI5, Summary: "s", Sources: []SourceResult{{Title: "t", URL: "u", Snippet: "hidden"}}}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"answer","mode":"ELI5","summary":"s","sources":[{"title":"t","url":"u"}]}`
	if string(b) != want {
		t.Fatalf("got %s", b)
	}
	b, _ = json.Marshal(AnswerMessage{Type: "answer", Mode: ModeScientific, Summary: "s"})
	if string(b) != `{"type":"answer","mode":"Scientific","summary":"s"}` {
		t.Fatalf("sources should be omitted: %s", b)
	}
}
