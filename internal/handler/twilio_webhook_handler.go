package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ClareAI/astra-phone-agent/internal/config"
	"github.com/ClareAI/astra-phone-agent/internal/domain"
	"github.com/ClareAI/astra-phone-agent/internal/markup"
	"github.com/ClareAI/astra-phone-agent/internal/prompts"
	"github.com/ClareAI/astra-phone-agent/internal/services/call"
	"github.com/ClareAI/astra-phone-agent/pkg/logger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// CallService is what the webhook handler needs from the call service
type CallService interface {
	Intake(ctx context.Context, in call.IncomingCall) (*markup.Document, error)
	StreamSetup(ctx context.Context, in call.IncomingCall) (*markup.Document, error)
	CaptureComplete(ctx context.Context, ev call.RecordingEvent) (*markup.Document, error)
	TranscriptReady(ctx context.Context, ev call.TranscriptionEvent) (bool, error)
	ProcessTurn(ctx context.Context, req call.TurnRequest) (*markup.Document, error)
	StreamStatus(callSid string, status domain.StreamEvent) bool
}

// TwilioWebhookHandler serves the voice webhooks the telephony provider calls
// during a conversation. Every TwiML route answers with a document, even on failure.
type TwilioWebhookHandler struct {
	service CallService
}

// NewTwilioWebhookHandler creates a new webhook handler
func NewTwilioWebhookHandler(service CallService) *TwilioWebhookHandler {
	return &TwilioWebhookHandler{service: service}
}

// SetupTwilioRoutes registers the voice webhook routes
func (h *TwilioWebhookHandler) SetupTwilioRoutes(router *mux.Router) {
	router.HandleFunc(config.PathIncomingCall, h.handleIncomingCall).Methods("POST")
	router.HandleFunc(config.PathStream, h.handleStreamSetup).Methods("POST")
	router.HandleFunc(config.PathHandleRecording, h.handleRecording).Methods("POST")
	router.HandleFunc(config.PathHandleTranscription, h.handleTranscription).Methods("POST")
	router.HandleFunc(config.PathProcessSpeech, h.handleProcessSpeech).Methods("POST")
	router.HandleFunc(config.PathStreamStatus, h.handleStreamStatus).Methods("POST")

	logger.Base().Info("twilio webhook routes registered",
		zap.Strings("paths", []string{
			config.PathIncomingCall,
			config.PathStream,
			config.PathHandleRecording,
			config.PathHandleTranscription,
			config.PathProcessSpeech,
			config.PathStreamStatus,
		}))
}

func (h *TwilioWebhookHandler) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	in := incomingCallFromRequest(r)

	doc, err := h.service.Intake(r.Context(), in)
	if err != nil {
		logger.ForCall(in.CallSid).Error("Error handling incoming call", zap.Error(err))
		writeTwiML(w, http.StatusOK, markup.Apology(prompts.IntakeErrorMessage))
		return
	}
	writeTwiML(w, http.StatusOK, doc)
}

func (h *TwilioWebhookHandler) handleStreamSetup(w http.ResponseWriter, r *http.Request) {
	in := incomingCallFromRequest(r)

	doc, err := h.service.StreamSetup(r.Context(), in)
	if err != nil {
		logger.ForCall(in.CallSid).Error("Error setting up media stream", zap.Error(err))
		writeTwiML(w, http.StatusOK, markup.Apology(prompts.StreamSetupErrorText))
		return
	}
	writeTwiML(w, http.StatusOK, doc)
}

func (h *TwilioWebhookHandler) handleRecording(w http.ResponseWriter, r *http.Request) {
	ev := call.RecordingEvent{
		CallSid:           r.FormValue("CallSid"),
		RecordingURL:      r.FormValue("RecordingUrl"),
		RecordingDuration: r.FormValue("RecordingDuration"),
	}

	doc, err := h.service.CaptureComplete(r.Context(), ev)
	if err != nil {
		if errors.Is(err, call.ErrMissingCallSid) {
			logger.Base().Warn("Recording callback without CallSid", zap.String("recording_url", ev.RecordingURL))
			writeTwiML(w, http.StatusBadRequest, markup.Apology(prompts.ProcessingErrorText))
			return
		}
		logger.ForCall(ev.CallSid).Error("Error handling recording", zap.Error(err))
		writeTwiML(w, http.StatusOK, markup.Apology(prompts.ProcessingErrorText))
		return
	}
	writeTwiML(w, http.StatusOK, doc)
}

func (h *TwilioWebhookHandler) handleTranscription(w http.ResponseWriter, r *http.Request) {
	ev := call.TranscriptionEvent{
		CallSid:          r.FormValue("CallSid"),
		TranscriptionSid: r.FormValue("TranscriptionSid"),
		Status:           r.FormValue("TranscriptionStatus"),
		Text:             r.FormValue("TranscriptionText"),
	}

	stored, err := h.service.TranscriptReady(r.Context(), ev)
	if err != nil {
		if errors.Is(err, call.ErrMissingCallSid) {
			logger.Base().Warn("Transcription callback without CallSid")
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		logger.ForCall(ev.CallSid).Error("Error handling transcription", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, "Failed to process transcription")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Transcription processed",
		"stored":  stored,
	})
}

func (h *TwilioWebhookHandler) handleProcessSpeech(w http.ResponseWriter, r *http.Request) {
	req := call.TurnRequest{
		CallSid:    r.FormValue("CallSid"),
		RetryCount: parseRetryCount(r.FormValue("retryCount")),
	}

	doc, err := h.service.ProcessTurn(r.Context(), req)
	if err != nil {
		if errors.Is(err, call.ErrMissingCallSid) {
			logger.Base().Warn("Turn request without CallSid", zap.Int("retry_count", req.RetryCount))
			writeTwiML(w, http.StatusBadRequest, markup.Apology(prompts.ProcessingErrorText))
			return
		}
		logger.ForCall(req.CallSid).Error("Error processing speech", zap.Error(err))
		writeTwiML(w, http.StatusOK, markup.Apology(prompts.ProcessingErrorText))
		return
	}
	writeTwiML(w, http.StatusOK, doc)
}

func (h *TwilioWebhookHandler) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	callSid := r.FormValue("callSid")
	if callSid == "" {
		callSid = r.FormValue("CallSid")
	}
	status := domain.ParseStreamEvent(r.FormValue("StreamEvent"))

	removed := h.service.StreamStatus(callSid, status)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  string(status),
		"removed": removed,
	})
}

func incomingCallFromRequest(r *http.Request) call.IncomingCall {
	return call.IncomingCall{
		CallSid: r.FormValue("CallSid"),
		From:    r.FormValue("From"),
		To:      r.FormValue("To"),
		Host:    r.Host,
	}
}

// parseRetryCount treats a missing or malformed value as the first attempt
func parseRetryCount(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeTwiML(w http.ResponseWriter, status int, doc *markup.Document) {
	body := markup.RenderOrApology(doc, prompts.ProcessingErrorText)
	w.Header().Set("Content-Type", markup.ContentType)
	w.WriteHeader(status)
	if _, err := w.Write([]byte(body)); err != nil {
		logger.Base().Warn("failed to write twiml response", zap.Error(err))
	}
}
