package call

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ClareAI/astra-phone-agent/internal/config"
	"github.com/ClareAI/astra-phone-agent/internal/core/event"
	"github.com/ClareAI/astra-phone-agent/internal/domain"
	"github.com/ClareAI/astra-phone-agent/internal/markup"
	"github.com/ClareAI/astra-phone-agent/internal/prompts"
	"github.com/ClareAI/astra-phone-agent/internal/relay"
	"github.com/ClareAI/astra-phone-agent/internal/store"
	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"go.uber.org/zap"
)

// Service drives a phone conversation from provider webhooks.
//
// It holds no per-call state of its own: transcripts live in the store, live
// transports in the registry, and the retry count travels in the redirect URL.
type Service struct {
	cfg         *config.PhoneAgentConfig
	store       *store.TranscriptStore
	transports  TransportRegistry
	completer   Completer
	synthesizer Synthesizer
	directory   CallDirectory
	events      event.Publisher
}

// Option customizes a Service
type Option func(*Service)

// WithSynthesizer sets the primary speech provider. Without one every reply
// uses the built-in voice.
func WithSynthesizer(s Synthesizer) Option {
	return func(svc *Service) { svc.synthesizer = s }
}

// WithCallDirectory sets the provider call listing used by RecentCalls
func WithCallDirectory(d CallDirectory) Option {
	return func(svc *Service) { svc.directory = d }
}

// WithEventPublisher sets where lifecycle events go
func WithEventPublisher(p event.Publisher) Option {
	return func(svc *Service) {
		if p != nil {
			svc.events = p
		}
	}
}

// NewService creates the call service
func NewService(cfg *config.PhoneAgentConfig, transcripts *store.TranscriptStore, transports TransportRegistry, completer Completer, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Service{
		cfg:        cfg,
		store:      transcripts,
		transports: transports,
		completer:  completer,
		events:     event.NopPublisher{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Intake answers a new call: open the media stream, greet, start capturing
func (s *Service) Intake(ctx context.Context, in IncomingCall) (*markup.Document, error) {
	if in.CallSid == "" {
		return nil, ErrMissingCallSid
	}

	host := s.cfg.PublicHost
	if host == "" {
		host = in.Host
	}
	if host == "" {
		return nil, fmt.Errorf("no public host to address the media stream")
	}
	sid := url.QueryEscape(in.CallSid)

	doc := markup.New().
		StartStream(markup.Stream{
			URL:            fmt.Sprintf("wss://%s%s?callSid=%s", host, config.PathStreamWS, sid),
			Track:          config.StreamTrackInbound,
			StatusCallback: fmt.Sprintf("%s?callSid=%s", config.PathStreamStatus, sid),
			StatusEvents: []string{
				string(domain.StreamEventStarted),
				string(domain.StreamEventStopped),
				string(domain.StreamEventFailed),
			},
		}).
		SayFallback(prompts.GreetingMessage).
		Record(s.capture())

	logger.ForCall(in.CallSid).Info("Incoming call answered",
		zap.String("from", in.From),
		zap.String("to", in.To),
		zap.String("stream_host", host),
	)
	s.publish(event.NewCallEvent(event.CallStarted, in.CallSid).
		WithData(&event.CallStartedData{From: in.From, To: in.To}))
	return doc, nil
}

// StreamSetup opens the media stream on its own, for calls that were answered elsewhere
func (s *Service) StreamSetup(ctx context.Context, in IncomingCall) (*markup.Document, error) {
	if in.CallSid == "" {
		return nil, ErrMissingCallSid
	}
	host := s.cfg.PublicHost
	if host == "" {
		host = in.Host
	}
	if host == "" {
		return nil, fmt.Errorf("no public host to address the media stream")
	}
	return markup.New().StartStream(markup.Stream{
		URL:   fmt.Sprintf("wss://%s%s?callSid=%s", host, config.PathStreamWS, url.QueryEscape(in.CallSid)),
		Track: config.StreamTrackInbound,
	}), nil
}

// CaptureComplete acknowledges a finished recording and hands off to the turn
// processor after a short pause. It never waits for the transcript.
func (s *Service) CaptureComplete(ctx context.Context, ev RecordingEvent) (*markup.Document, error) {
	if ev.CallSid == "" {
		return nil, ErrMissingCallSid
	}
	logger.ForCall(ev.CallSid).Info("Recording finished",
		zap.String("recording_url", ev.RecordingURL),
		zap.String("recording_duration", ev.RecordingDuration),
	)
	return markup.New().
		Pause(s.cfg.RetryDelay).
		Redirect(config.PathProcessSpeech), nil
}

// TranscriptReady stores a completed, non-empty transcript as a new user turn.
// Returns false when nothing was appended.
func (s *Service) TranscriptReady(ctx context.Context, ev TranscriptionEvent) (bool, error) {
	if ev.CallSid == "" {
		return false, ErrMissingCallSid
	}
	log := logger.ForCall(ev.CallSid)

	if ev.Status != config.TranscriptionStatusCompleted || strings.TrimSpace(ev.Text) == "" {
		log.Info("Transcript ignored", zap.String("status", ev.Status), zap.Int("text_length", len(ev.Text)))
		return false, nil
	}

	turn, appended, err := s.store.AppendUserTurn(ev.CallSid, ev.TranscriptionSid, ev.Text)
	if err != nil {
		return false, err
	}
	if !appended {
		log.Info("Duplicate transcript ignored", zap.String("transcription_sid", ev.TranscriptionSid))
		return false, nil
	}

	log.Info("Transcript stored", zap.String("turn_id", turn.ID), zap.Int("turn_count", s.store.Len(ev.CallSid)))
	s.publish(event.NewCallEvent(event.TranscriptReceived, ev.CallSid).
		WithData(&event.TurnEventData{TurnID: turn.ID}))
	return true, nil
}

// ProcessTurn runs one step of the turn state machine and returns the
// document that moves the provider forward. A completion failure is returned
// as an error; every other failure degrades inside the document.
func (s *Service) ProcessTurn(ctx context.Context, req TurnRequest) (*markup.Document, error) {
	if req.CallSid == "" {
		return nil, ErrMissingCallSid
	}
	log := logger.ForCall(req.CallSid).With(zap.Int("retry_count", req.RetryCount))
	start := time.Now()

	turn, ok := s.store.PendingTurn(req.CallSid)
	if !ok {
		return s.awaitTranscript(req), nil
	}
	log.Info("Processing turn", zap.String("state", string(StateHaveTranscript)), zap.String("turn_id", turn.ID))

	log.Debug("Generating reply", zap.String("state", string(StateGeneratingReply)))
	reply, err := s.completer.Complete(ctx, turn.User)
	if err != nil {
		s.publish(event.NewCallEvent(event.TurnFailed, req.CallSid).
			WithError(err).
			WithData(&event.TurnEventData{TurnID: turn.ID, RetryCount: req.RetryCount, Latency: time.Since(start)}))
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	if err := s.store.RecordReply(req.CallSid, turn.ID, reply); err != nil {
		// the provider runs one document per call at a time, so this only
		// happens on a replayed webhook; the reply is still spoken
		log.Warn("Failed to record reply", zap.String("turn_id", turn.ID), zap.Error(err))
	}

	log.Debug("Synthesizing reply", zap.String("state", string(StateSynthesizing)))
	speech := s.synthesize(ctx, req.CallSid, reply)

	doc := markup.New()
	data := s.deliver(req.CallSid, speech, doc)
	doc.Record(s.capture())

	data.TurnID = turn.ID
	data.RetryCount = req.RetryCount
	data.Latency = time.Since(start)
	log.Info("Turn completed",
		zap.String("state", string(StateCaptureRearmed)),
		zap.String("delivery", string(data.Delivery)),
		zap.Duration("latency", data.Latency),
	)
	s.publish(event.NewCallEvent(event.TurnCompleted, req.CallSid).WithData(data))
	return doc, nil
}

// awaitTranscript either schedules another check through a redirect or gives up
func (s *Service) awaitTranscript(req TurnRequest) *markup.Document {
	log := logger.ForCall(req.CallSid)

	if req.RetryCount >= s.cfg.MaxRetries {
		log.Info("No transcript after retries, ending call",
			zap.String("state", string(StateGaveUp)),
			zap.Int("retry_count", req.RetryCount),
		)
		s.publish(event.NewCallEvent(event.TurnGaveUp, req.CallSid).
			WithData(&event.TurnEventData{RetryCount: req.RetryCount}))
		return markup.New().
			Say(prompts.GaveUpMessage).
			Hangup()
	}

	next := req.RetryCount + 1
	log.Info("Transcript not ready, retrying",
		zap.String("state", string(StateAwaitingTranscript)),
		zap.Int("next_retry", next),
	)
	return markup.New().
		Say(prompts.StillProcessingText).
		Pause(s.cfg.RetryDelay).
		Redirect(RetryURL(next))
}

// deliver consumes the speech result. Synthesized audio goes over the media
// stream; if that fails, or synthesis already failed, the reply is spoken with
// the built-in voice inside doc.
func (s *Service) deliver(callSid string, speech SpeechResult, doc *markup.Document) *event.TurnEventData {
	log := logger.ForCall(callSid)
	data := &event.TurnEventData{}

	switch speech.Kind {
	case SpeechSynthesized:
		err := s.transports.SendAudioToCall(callSid, speech.Audio)
		if err == nil {
			log.Info("Reply audio delivered", zap.String("state", string(StateDelivered)), zap.Int("bytes", len(speech.Audio)))
			data.Delivery = event.DeliveryStream
			data.AudioBytes = len(speech.Audio)
			return data
		}
		log.Warn("Reply audio not delivered, speaking with built-in voice", zap.Error(err))
		data.FallbackCause = err.Error()
	default:
		if speech.Cause != nil {
			data.FallbackCause = speech.Cause.Error()
		}
	}

	doc.SayFallback(speech.Text)
	data.Delivery = event.DeliveryFallback
	return data
}

// StreamStatus handles media stream status callbacks. Terminal statuses
// deregister the call's transport. Returns true if a transport was removed.
func (s *Service) StreamStatus(callSid string, status domain.StreamEvent) bool {
	log := logger.ForCall(callSid)
	log.Info("Media stream status", zap.String("status", string(status)))

	if callSid == "" || !status.Terminal() {
		return false
	}
	return s.transports.Remove(callSid, relay.ReasonStreamStatus)
}

// Transcriptions returns every stored transcript grouped by call
func (s *Service) Transcriptions() []domain.CallTranscript {
	return s.store.Snapshot()
}

// RecentCalls lists recent provider calls with their turns attached. Without
// a provider directory it lists the calls known to the store.
func (s *Service) RecentCalls() ([]domain.CallSummary, error) {
	if s.directory != nil && s.directory.IsEnabled() {
		calls, err := s.directory.RecentCalls()
		if err != nil {
			return nil, err
		}
		for i := range calls {
			calls[i].Transcriptions = s.store.Turns(calls[i].Sid)
		}
		return calls, nil
	}

	live := make(map[string]struct{})
	for _, sid := range s.transports.CallSids() {
		live[sid] = struct{}{}
	}

	sids := s.store.CallSids()
	calls := make([]domain.CallSummary, 0, len(sids))
	for _, sid := range sids {
		turns := s.store.Turns(sid)
		summary := domain.CallSummary{
			Sid:            sid,
			Status:         domain.CallStatusCompleted,
			Transcriptions: turns,
		}
		if _, ok := live[sid]; ok {
			summary.Status = domain.CallStatusInProgress
		}
		if len(turns) > 0 {
			summary.StartTime = turns[0].Timestamp.Format(time.RFC1123Z)
		}
		calls = append(calls, summary)
	}
	return calls, nil
}

// CallCount is the number of calls with stored transcripts
func (s *Service) CallCount() int {
	return len(s.store.CallSids())
}

// TransportOpened publishes relay registrations on the event bus
func (s *Service) TransportOpened(info relay.TransportInfo) {
	s.publish(event.NewCallEvent(event.TransportConnected, info.CallSid).
		WithData(&event.TransportEventData{ConnectedAt: info.ConnectedAt}))
}

// TransportClosed publishes relay deregistrations on the event bus
func (s *Service) TransportClosed(info relay.TransportInfo, reason string) {
	s.publish(event.NewCallEvent(event.TransportClosed, info.CallSid).
		WithData(&event.TransportEventData{Reason: reason, ConnectedAt: info.ConnectedAt}))
}

func (s *Service) capture() markup.Capture {
	c := markup.DefaultCapture()
	if s.cfg.MaxCaptureLength > 0 {
		c.MaxLength = s.cfg.MaxCaptureLength
	}
	return c
}

func (s *Service) publish(ev *event.CallEvent) {
	if err := s.events.Publish(ev); err != nil {
		logger.ForCall(ev.CallSid).Debug("Event not published", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}

// RetryURL is the turn processor address for the given retry count
func RetryURL(retryCount int) string {
	return config.PathProcessSpeech + "?retryCount=" + strconv.Itoa(retryCount)
}
