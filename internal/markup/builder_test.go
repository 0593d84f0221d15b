package markup

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocument_RetryInstruction(t *testing.T) {
	doc := New().
		Say("I am still processing your message. Please wait a moment.").
		Pause(2 * time.Second).
		Redirect("/api/process-speech?retryCount=1")

	assert.Equal(t, []string{"Say", "Pause", "Redirect"}, doc.Verbs())
	assert.False(t, doc.EndsCall())

	out, err := doc.Render()
	require.NoError(t, err)
	assert.Contains(t, out, "<Response>")
	assert.Contains(t, out, "I am still processing your message.")
	assert.Contains(t, out, `<Pause length="2"`)
	assert.Contains(t, out, "/api/process-speech?retryCount=1</Redirect>")
	assert.Contains(t, out, `method="POST"`)

	// verbs keep insertion order
	assert.Less(t, strings.Index(out, "<Say"), strings.Index(out, "<Pause"))
	assert.Less(t, strings.Index(out, "<Pause"), strings.Index(out, "<Redirect"))
}

func TestDocument_FallbackVoice(t *testing.T) {
	out, err := New().SayFallback("Here is my answer.").Render()
	require.NoError(t, err)
	assert.Contains(t, out, `voice="Polly.Amy"`)
	assert.Contains(t, out, `language="en-GB"`)
	assert.Contains(t, out, "Here is my answer.</Say>")
}

func TestDocument_DefaultCapture(t *testing.T) {
	out, err := New().Record(DefaultCapture()).Render()
	require.NoError(t, err)

	for _, want := range []string{
		"<Record",
		`action="/api/handle-recording"`,
		`transcribe="true"`,
		`transcribeCallback="/api/handle-transcription"`,
		`maxLength="30"`,
		`playBeep="true"`,
		`trim="trim-silence"`,
	} {
		assert.Contains(t, out, want)
	}
}

func TestDocument_StartStream(t *testing.T) {
	doc := New().StartStream(Stream{
		URL:            "wss://example.test/api/stream/ws?callSid=CA1",
		Track:          "inbound_track",
		StatusCallback: "/api/stream/status?callSid=CA1",
		StatusEvents:   []string{"started", "stopped", "failed"},
	})
	out, err := doc.Render()
	require.NoError(t, err)

	assert.Contains(t, out, "<Start>")
	assert.Contains(t, out, `url="wss://example.test/api/stream/ws?callSid=CA1"`)
	assert.Contains(t, out, `track="inbound_track"`)
	assert.Contains(t, out, `statusCallback="/api/stream/status?callSid=CA1"`)
	assert.Contains(t, out, `statusCallbackEvent="started stopped failed"`)
}

func TestApology_EndsCall(t *testing.T) {
	doc := Apology("Sorry.")
	assert.Equal(t, []string{"Say", "Hangup"}, doc.Verbs())
	assert.True(t, doc.EndsCall())

	out := RenderOrApology(doc, "unused")
	assert.Contains(t, out, "Sorry.</Say>")
	assert.Contains(t, out, "<Hangup")
}

func TestSecondsRoundsUp(t *testing.T) {
	assert.Equal(t, "2", seconds(2*time.Second))
	assert.Equal(t, "2", seconds(1500*time.Millisecond))
	assert.Equal(t, "1", seconds(0))
	assert.Equal(t, "30", seconds(30*time.Second))
}
