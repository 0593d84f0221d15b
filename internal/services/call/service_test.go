package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClareAI/astra-phone-agent/internal/config"
	"github.com/ClareAI/astra-phone-agent/internal/core/event"
	"github.com/ClareAI/astra-phone-agent/internal/domain"
	"github.com/ClareAI/astra-phone-agent/internal/prompts"
	"github.com/ClareAI/astra-phone-agent/internal/relay"
	"github.com/ClareAI/astra-phone-agent/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	mu      sync.Mutex
	prompts []string
	reply   func(utterance string) (string, error)
}

func (f *fakeCompleter) Complete(_ context.Context, utterance string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, utterance)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(utterance)
	}
	return "reply to " + utterance, nil
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeSynthesizer struct {
	audio []byte
	err   error
	block bool
	calls atomic.Int32
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.audio, f.err
}

type fakeTransports struct {
	mu      sync.Mutex
	sent    map[string][][]byte
	removed []string
	sendErr error
}

func newFakeTransports() *fakeTransports {
	return &fakeTransports{sent: map[string][][]byte{}}
}

func (f *fakeTransports) SendAudioToCall(callSid string, audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent[callSid] = append(f.sent[callSid], audio)
	return nil
}

func (f *fakeTransports) Remove(callSid, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, callSid)
	return true
}

func (f *fakeTransports) CallSids() []string { return nil }

func (f *fakeTransports) sends(callSid string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[callSid]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*event.CallEvent
}

func (p *recordingPublisher) Publish(ev *event.CallEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) types() []event.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	svc         *Service
	store       *store.TranscriptStore
	completer   *fakeCompleter
	synthesizer *fakeSynthesizer
	transports  *fakeTransports
	events      *recordingPublisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.SynthesisTimeout = 200 * time.Millisecond

	h := &harness{
		store:       store.NewTranscriptStore(),
		completer:   &fakeCompleter{},
		synthesizer: &fakeSynthesizer{audio: []byte{0x49, 0x44, 0x33, 0x04}},
		transports:  newFakeTransports(),
		events:      &recordingPublisher{},
	}
	h.svc = NewService(cfg, h.store, h.transports, h.completer,
		WithSynthesizer(h.synthesizer),
		WithEventPublisher(h.events),
	)
	return h
}

func (h *harness) transcript(t *testing.T, callSid, sid, text string) {
	t.Helper()
	ok, err := h.svc.TranscriptReady(context.Background(), TranscriptionEvent{
		CallSid:          callSid,
		TranscriptionSid: sid,
		Status:           "completed",
		Text:             text,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func render(t *testing.T, svcDoc interface{ Render() (string, error) }) string {
	t.Helper()
	out, err := svcDoc.Render()
	require.NoError(t, err)
	return out
}

func TestIntake_OpensStreamGreetsAndCaptures(t *testing.T) {
	h := newHarness(t)

	doc, err := h.svc.Intake(context.Background(), IncomingCall{CallSid: "CA1", From: "+1555", Host: "agent.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Start", "Say", "Record"}, doc.Verbs())

	out := render(t, doc)
	assert.Contains(t, out, `url="wss://agent.example.com/api/stream/ws?callSid=CA1"`)
	assert.Contains(t, out, `statusCallback="/api/stream/status?callSid=CA1"`)
	assert.Contains(t, out, prompts.GreetingMessage)
	assert.Contains(t, out, `transcribeCallback="/api/handle-transcription"`)

	assert.Equal(t, []event.EventType{event.CallStarted}, h.events.types())
	assert.Equal(t, 0, h.store.Len("CA1"), "intake has no store side effects")
}

func TestIntake_PrefersConfiguredPublicHost(t *testing.T) {
	h := newHarness(t)
	h.svc.cfg.PublicHost = "public.example.com"

	doc, err := h.svc.Intake(context.Background(), IncomingCall{CallSid: "CA1", Host: "internal:3000"})
	require.NoError(t, err)
	assert.Contains(t, render(t, doc), "wss://public.example.com/api/stream/ws")
}

func TestIntake_RequiresCallSid(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Intake(context.Background(), IncomingCall{Host: "x"})
	assert.ErrorIs(t, err, ErrMissingCallSid)
}

func TestStreamSetup_OnlyOpensStream(t *testing.T) {
	h := newHarness(t)

	doc, err := h.svc.StreamSetup(context.Background(), IncomingCall{CallSid: "CA1", Host: "agent.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Start"}, doc.Verbs())
	assert.Contains(t, render(t, doc), `url="wss://agent.example.com/api/stream/ws?callSid=CA1"`)
	assert.Empty(t, h.events.types())

	_, err = h.svc.StreamSetup(context.Background(), IncomingCall{Host: "agent.example.com"})
	assert.ErrorIs(t, err, ErrMissingCallSid)
}

func TestCaptureComplete_HandsOffWithoutWaiting(t *testing.T) {
	h := newHarness(t)

	doc, err := h.svc.CaptureComplete(context.Background(), RecordingEvent{CallSid: "CA1", RecordingURL: "https://api.twilio.com/rec/RE1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Pause", "Redirect"}, doc.Verbs())

	out := render(t, doc)
	assert.Contains(t, out, ">/api/process-speech</Redirect>")
	assert.Equal(t, 0, h.completer.calls())
}

func TestCaptureComplete_RequiresCallSid(t *testing.T) {
	h := newHarness(t)

	doc, err := h.svc.CaptureComplete(context.Background(), RecordingEvent{RecordingURL: "https://api.twilio.com/rec/RE1"})
	assert.ErrorIs(t, err, ErrMissingCallSid)
	assert.Nil(t, doc)
}

func TestTranscriptReady_AppendsInDeliveryOrder(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 4; i++ {
		h.transcript(t, "CA1", fmt.Sprintf("TR%d", i), fmt.Sprintf("utterance %d", i))
	}

	turns := h.store.Turns("CA1")
	require.Len(t, turns, 4)
	for i, turn := range turns {
		assert.Equal(t, fmt.Sprintf("utterance %d", i), turn.User)
	}

	// the processor answers the last element
	_, err := h.svc.ProcessTurn(context.Background(), TurnRequest{CallSid: "CA1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"utterance 3"}, h.completer.prompts)
}

func TestTranscriptReady_IgnoresIncompleteOrEmpty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, ev := range []TranscriptionEvent{
		{CallSid: "CA1", Status: "failed", Text: "hello"},
		{CallSid: "CA1", Status: "completed", Text: ""},
		{CallSid: "CA1", Status: "completed", Text: "  "},
	} {
		ok, err := h.svc.TranscriptReady(ctx, ev)
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, 0, h.store.Len("CA1"))

	_, err := h.svc.TranscriptReady(ctx, TranscriptionEvent{Status: "completed", Text: "hi"})
	assert.ErrorIs(t, err, ErrMissingCallSid)
}

func TestTranscriptReady_DuplicateDeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.transcript(t, "CA1", "TR1", "hello")

	ok, err := h.svc.TranscriptReady(context.Background(), TranscriptionEvent{
		CallSid: "CA1", TranscriptionSid: "TR1", Status: "completed", Text: "hello",
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, h.store.Len("CA1"))
}

func TestProcessTurn_RetriesThenGivesUpExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for retry := 0; retry < config.MaxRetries; retry++ {
		doc, err := h.svc.ProcessTurn(ctx, TurnRequest{CallSid: "CA1", RetryCount: retry})
		require.NoError(t, err)
		assert.Equal(t, []string{"Say", "Pause", "Redirect"}, doc.Verbs())
		assert.False(t, doc.EndsCall())
		assert.Contains(t, render(t, doc), fmt.Sprintf("/api/process-speech?retryCount=%d</Redirect>", retry+1))
	}

	doc, err := h.svc.ProcessTurn(ctx, TurnRequest{CallSid: "CA1", RetryCount: config.MaxRetries})
	require.NoError(t, err)
	assert.Equal(t, []string{"Say", "Hangup"}, doc.Verbs())
	assert.True(t, doc.EndsCall())

	out := render(t, doc)
	assert.Contains(t, out, prompts.GaveUpMessage)
	assert.NotContains(t, out, "<Redirect")

	assert.Equal(t, 0, h.completer.calls())
	assert.Equal(t, []event.EventType{event.TurnGaveUp}, h.events.types())
	assert.Equal(t, 0, h.store.Len("CA1"), "retry exhaustion prunes nothing")
}

func TestProcessTurn_TranscriptOnFirstCheckSkipsRetries(t *testing.T) {
	h := newHarness(t)
	h.transcript(t, "CA1", "TR1", "what are your hours")

	doc, err := h.svc.ProcessTurn(context.Background(), TurnRequest{CallSid: "CA1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Record"}, doc.Verbs())
	out := render(t, doc)
	assert.NotContains(t, out, prompts.StillProcessingText)
	assert.NotContains(t, out, "<Redirect")
	assert.Equal(t, 1, h.completer.calls())
}

func TestProcessTurn_SynthesizedAudioPassesThroughByteForByte(t *testing.T) {
	h := newHarness(t)
	h.transcript(t, "CA1", "TR1", "hello")

	_, err := h.svc.ProcessTurn(context.Background(), TurnRequest{CallSid: "CA1"})
	require.NoError(t, err)

	sends := h.transports.sends("CA1")
	require.Len(t, sends, 1)
	assert.Equal(t, h.synthesizer.audio, sends[0])

	latest, ok := h.store.Latest("CA1")
	require.True(t, ok)
	require.NotNil(t, latest.AI)
	assert.Equal(t, "reply to hello", *latest.AI)

	require.Len(t, h.events.events, 2)
	completed := h.events.events[1]
	assert.Equal(t, event.TurnCompleted, completed.Type)
	data, ok := completed.TurnData()
	require.True(t, ok)
	assert.Equal(t, event.DeliveryStream, data.Delivery)
	assert.Equal(t, len(h.synthesizer.audio), data.AudioBytes)
}

func TestProcessTurn_SynthesisTimeoutFallsBackWithoutSending(t *testing.T) {
	h := newHarness(t)
	h.svc.cfg.SynthesisTimeout = 20 * time.Millisecond
	h.synthesizer.block = true
	h.transcript(t, "CA1", "TR1", "hello")

	doc, err := h.svc.ProcessTurn(context.Background(), TurnRequest{CallSid: "CA1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Say", "Record"}, doc.Verbs())
	out := render(t, doc)
	assert.Contains(t, out, `voice="Polly.Amy"`)
	assert.Contains(t, out, "reply to hello</Say>")

	assert.Empty(t, h.transports.sends("CA1"))
	assert.Equal(t, int32(1), h.synthesizer.calls.Load(), "primary synthesis is attempted once")
}

func TestProcessTurn_SynthesisErrorFallsBack(t *testing.T) {
	h := newHarness(t)
	h.synthesizer.err = errors.New("quota exceeded")
	h.transcript(t, "CA1", "TR1", "hello")

	doc, err := h.svc.ProcessTurn(context.Background(), TurnRequest{CallSid: "CA1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Say", "Record"}, doc.Verbs())
	assert.Empty(t, h.transports.sends("CA1"))

	data, ok := h.events.events[len(h.events.events)-1].TurnData()
	require.True(t, ok)
	assert.Equal(t, event.DeliveryFallback, data.Delivery)
	assert.Contains(t, data.FallbackCause, "quota exceeded")
}

func TestProcessTurn_NoTransportSpeaksReply(t *testing.T) {
	h := newHarness(t)
	h.transports.sendErr = relay.ErrNoTransport
	h.transcript(t, "CA1", "TR1", "hello")

	doc, err := h.svc.ProcessTurn(context.Background(), TurnRequest{CallSid: "CA1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Say", "Record"}, doc.Verbs())
	assert.Contains(t, render(t, doc), "reply to hello</Say>")
}

func TestProcessTurn_WithoutSynthesizerUsesBuiltInVoice(t *testing.T) {
	h := newHarness(t)
	h.svc.synthesizer = nil
	h.transcript(t, "CA1", "TR1", "hello")

	doc, err := h.svc.ProcessTurn(context.Background(), TurnRequest{CallSid: "CA1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Say", "Record"}, doc.Verbs())
}

func TestProcessTurn_CompletionFailurePropagates(t *testing.T) {
	h := newHarness(t)
	h.completer.reply = func(string) (string, error) { return "", errors.New("upstream 500") }
	h.transcript(t, "CA1", "TR1", "hello")

	doc, err := h.svc.ProcessTurn(context.Background(), TurnRequest{CallSid: "CA1"})
	require.Error(t, err)
	assert.Nil(t, doc)
	assert.Contains(t, err.Error(), "upstream 500")

	latest, ok := h.store.Latest("CA1")
	require.True(t, ok)
	assert.Nil(t, latest.AI, "failed turn keeps the user text without a reply")
	assert.Equal(t, int32(0), h.synthesizer.calls.Load())
	assert.Contains(t, h.events.types(), event.TurnFailed)
}

func TestProcessTurn_AnsweredTurnIsNotAnsweredTwice(t *testing.T) {
	h := newHarness(t)
	h.transcript(t, "CA1", "TR1", "hello")

	_, err := h.svc.ProcessTurn(context.Background(), TurnRequest{CallSid: "CA1"})
	require.NoError(t, err)

	doc, err := h.svc.ProcessTurn(context.Background(), TurnRequest{CallSid: "CA1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Say", "Pause", "Redirect"}, doc.Verbs())
	assert.Equal(t, 1, h.completer.calls())
}

func TestProcessTurn_RequiresCallSid(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ProcessTurn(context.Background(), TurnRequest{})
	assert.ErrorIs(t, err, ErrMissingCallSid)
}

func TestProcessTurn_ConcurrentCallsStayIndependent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const turns = 20

	var wg sync.WaitGroup
	for _, sid := range []string{"CA", "CB"} {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			for i := 0; i < turns; i++ {
				// one wait cycle before the transcript shows up
				doc, err := h.svc.ProcessTurn(ctx, TurnRequest{CallSid: sid, RetryCount: 0})
				assert.NoError(t, err)
				out, _ := doc.Render()
				assert.Contains(t, out, "retryCount=1<")

				_, err = h.svc.TranscriptReady(ctx, TranscriptionEvent{
					CallSid: sid, TranscriptionSid: fmt.Sprintf("%s-%d", sid, i),
					Status: "completed", Text: fmt.Sprintf("%s utterance %d", sid, i),
				})
				assert.NoError(t, err)

				_, err = h.svc.ProcessTurn(ctx, TurnRequest{CallSid: sid, RetryCount: 1})
				assert.NoError(t, err)
			}
		}(sid)
	}
	wg.Wait()

	for _, sid := range []string{"CA", "CB"} {
		stored := h.store.Turns(sid)
		require.Len(t, stored, turns)
		for i, turn := range stored {
			assert.Equal(t, fmt.Sprintf("%s utterance %d", sid, i), turn.User)
			require.NotNil(t, turn.AI)
			assert.Equal(t, "reply to "+turn.User, *turn.AI)
		}
		assert.Len(t, h.transports.sends(sid), turns)
	}
}

func TestStreamStatus_TerminalEventsDeregister(t *testing.T) {
	h := newHarness(t)

	assert.False(t, h.svc.StreamStatus("CA1", domain.StreamEventStarted))
	assert.True(t, h.svc.StreamStatus("CA1", domain.ParseStreamEvent("stream-stopped")))
	assert.True(t, h.svc.StreamStatus("CA2", domain.StreamEventFailed))
	assert.Equal(t, []string{"CA1", "CA2"}, h.transports.removed)
}

type fakeDirectory struct {
	calls []domain.CallSummary
	err   error
}

func (f *fakeDirectory) IsEnabled() bool { return true }
func (f *fakeDirectory) RecentCalls() ([]domain.CallSummary, error) {
	return f.calls, f.err
}

func TestRecentCalls_EnrichesProviderCalls(t *testing.T) {
	h := newHarness(t)
	h.svc.directory = &fakeDirectory{calls: []domain.CallSummary{
		{Sid: "CA1", Status: "in-progress"},
		{Sid: "CA2", Status: "completed"},
	}}
	h.transcript(t, "CA1", "TR1", "hello")

	calls, err := h.svc.RecentCalls()
	require.NoError(t, err)
	require.Len(t, calls, 2)
	require.Len(t, calls[0].Transcriptions, 1)
	assert.Equal(t, "hello", calls[0].Transcriptions[0].User)
	assert.NotNil(t, calls[1].Transcriptions)
	assert.Empty(t, calls[1].Transcriptions)
}

func TestRecentCalls_FallsBackToStore(t *testing.T) {
	h := newHarness(t)
	h.transcript(t, "CB", "TR1", "second call")
	h.transcript(t, "CA", "TR2", "first call")

	calls, err := h.svc.RecentCalls()
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, "CA", calls[0].Sid)
	assert.Equal(t, domain.CallStatusCompleted, calls[0].Status)
	assert.NotEmpty(t, calls[0].StartTime)

	snap := h.svc.Transcriptions()
	require.Len(t, snap, 2)
	assert.Equal(t, "CA", snap[0].CallSid)
}

// relayConn is a minimal relay.Conn for wiring the real registry
type relayConn struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *relayConn) SetWriteDeadline(time.Time) error { return nil }
func (c *relayConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), data...))
	return nil
}
func (c *relayConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *relayConn) Close() error                              { return nil }

func TestProcessTurn_DeliversThroughRelayRegistry(t *testing.T) {
	registry := relay.NewRegistry()
	conn := &relayConn{}
	registry.Register(relay.NewTransport("CA1", conn, time.Second))

	transcripts := store.NewTranscriptStore()
	synth := &fakeSynthesizer{audio: []byte("mpeg-frame-bytes")}
	svc := NewService(config.Default(), transcripts, registry, &fakeCompleter{}, WithSynthesizer(synth))
	registry.AddListener(svc)

	_, _, err := transcripts.AppendUserTurn("CA1", "TR1", "hello")
	require.NoError(t, err)

	doc, err := svc.ProcessTurn(context.Background(), TurnRequest{CallSid: "CA1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Record"}, doc.Verbs())

	conn.mu.Lock()
	require.Len(t, conn.frames, 1)
	assert.Equal(t, synth.audio, conn.frames[0])
	conn.mu.Unlock()

	// a closed stream leaves the reply to the built-in voice
	assert.True(t, svc.StreamStatus("CA1", domain.StreamEventStopped))
	_, _, err = transcripts.AppendUserTurn("CA1", "TR2", "again")
	require.NoError(t, err)

	doc, err = svc.ProcessTurn(context.Background(), TurnRequest{CallSid: "CA1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Say", "Record"}, doc.Verbs())
}

func TestTransportEvents_CarryConnectTime(t *testing.T) {
	h := newHarness(t)
	connectedAt := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)
	info := relay.TransportInfo{CallSid: "CA1", ConnectedAt: connectedAt}

	h.svc.TransportOpened(info)
	h.svc.TransportClosed(info, relay.ReasonReplaced)
	require.Equal(t, []event.EventType{event.TransportConnected, event.TransportClosed}, h.events.types())

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	for _, ev := range h.events.events {
		data, ok := ev.TransportData()
		require.True(t, ok)
		assert.True(t, connectedAt.Equal(data.ConnectedAt))
	}
	closed, _ := h.events.events[1].TransportData()
	assert.Equal(t, relay.ReasonReplaced, closed.Reason)
}
