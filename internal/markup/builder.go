// Package markup builds the TwiML documents returned to the telephony provider.
package markup

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ClareAI/astra-phone-agent/internal/config"
	"github.com/twilio/twilio-go/twiml"
)

// ContentType is the media type of every rendered document
const ContentType = "text/xml"

// Capture describes a bounded speech recording with asynchronous transcription
type Capture struct {
	Action             string
	TranscribeCallback string
	MaxLength          time.Duration
	PlayBeep           bool
	TrimSilence        bool
}

// DefaultCapture is the capture every conversational turn re-arms
func DefaultCapture() Capture {
	return Capture{
		Action:             config.PathHandleRecording,
		TranscribeCallback: config.PathHandleTranscription,
		MaxLength:          config.MaxCaptureLength,
		PlayBeep:           true,
		TrimSilence:        true,
	}
}

// Stream describes a media stream the provider should open for the call
type Stream struct {
	URL            string
	Track          string
	StatusCallback string
	StatusEvents   []string
}

// Document accumulates voice verbs in order. The zero value is an empty document.
type Document struct {
	verbs []twiml.Element
	names []string
}

// New starts an empty document
func New() *Document {
	return &Document{}
}

func (d *Document) add(name string, el twiml.Element) *Document {
	d.verbs = append(d.verbs, el)
	d.names = append(d.names, name)
	return d
}

// Say speaks text with the provider default voice
func (d *Document) Say(text string) *Document {
	return d.add("Say", &twiml.VoiceSay{Message: text})
}

// SayWithVoice speaks text with the built-in fallback voice
func (d *Document) SayWithVoice(text, voice, language string) *Document {
	return d.add("Say", &twiml.VoiceSay{
		Message:  text,
		Voice:    voice,
		Language: language,
	})
}

// SayFallback speaks text with the configured built-in voice
func (d *Document) SayFallback(text string) *Document {
	return d.SayWithVoice(text, config.FallbackVoice, config.FallbackLanguage)
}

// Pause waits for the given duration, rounded up to whole seconds
func (d *Document) Pause(length time.Duration) *Document {
	return d.add("Pause", &twiml.VoicePause{Length: seconds(length)})
}

// Redirect hands control to url with a POST
func (d *Document) Redirect(url string) *Document {
	return d.add("Redirect", &twiml.VoiceRedirect{Url: url, Method: "POST"})
}

// Record starts a speech capture
func (d *Document) Record(c Capture) *Document {
	rec := &twiml.VoiceRecord{
		Action:    c.Action,
		Method:    "POST",
		MaxLength: seconds(c.MaxLength),
		PlayBeep:  strconv.FormatBool(c.PlayBeep),
	}
	if c.TranscribeCallback != "" {
		rec.Transcribe = "true"
		rec.TranscribeCallback = c.TranscribeCallback
	}
	if c.TrimSilence {
		rec.Trim = "trim-silence"
	}
	return d.add("Record", rec)
}

// StartStream asks the provider to open a media stream to the relay
func (d *Document) StartStream(s Stream) *Document {
	stream := &twiml.VoiceStream{
		Url:            s.URL,
		Track:          s.Track,
		StatusCallback: s.StatusCallback,
	}
	if len(s.StatusEvents) > 0 {
		stream.OptionalAttributes = map[string]string{
			"statusCallbackEvent": strings.Join(s.StatusEvents, " "),
		}
	}
	return d.add("Start", &twiml.VoiceStart{InnerElements: []twiml.Element{stream}})
}

// Hangup ends the call
func (d *Document) Hangup() *Document {
	return d.add("Hangup", &twiml.VoiceHangup{})
}

// Verbs returns the verb names in document order
func (d *Document) Verbs() []string {
	out := make([]string, len(d.names))
	copy(out, d.names)
	return out
}

// EndsCall reports whether the document terminates the call
func (d *Document) EndsCall() bool {
	return len(d.names) > 0 && d.names[len(d.names)-1] == "Hangup"
}

// Render serializes the document
func (d *Document) Render() (string, error) {
	out, err := twiml.Voice(d.verbs)
	if err != nil {
		return "", fmt.Errorf("render twiml: %w", err)
	}
	return out, nil
}

// Apology is the document returned when a markup path fails: speak and hang up
func Apology(text string) *Document {
	return New().Say(text).Hangup()
}

// RenderOrApology renders d, degrading to a minimal hand-written apology if
// the renderer itself fails so the provider always receives a document.
func RenderOrApology(d *Document, apology string) string {
	out, err := d.Render()
	if err == nil {
		return out
	}
	if out, err = Apology(apology).Render(); err == nil {
		return out
	}
	return `<?xml version="1.0" encoding="UTF-8"?><Response><Say>` + xmlEscape(apology) + `</Say><Hangup/></Response>`
}

func seconds(d time.Duration) string {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}

var xmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")

func xmlEscape(s string) string {
	return xmlReplacer.Replace(s)
}
