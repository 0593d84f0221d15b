package domain

import (
	"time"
)

// Turn is one caller utterance paired with the assistant's reply to it.
// AI stays nil until a reply has been generated for User.
type Turn struct {
	ID        string    `json:"id"`
	EventID   string    `json:"-"`
	User      string    `json:"user"`
	AI        *string   `json:"ai"`
	Timestamp time.Time `json:"timestamp"`
}

// HasUserText reports whether the caller side of the turn is populated
func (t Turn) HasUserText() bool {
	return t.User != ""
}

// Answered reports whether the assistant already replied to this turn
func (t Turn) Answered() bool {
	return t.AI != nil
}

// Pending reports whether the turn is waiting for an assistant reply
func (t Turn) Pending() bool {
	return t.HasUserText() && !t.Answered()
}

// CallTranscript groups the turns recorded for one call
type CallTranscript struct {
	CallSid     string `json:"callSid"`
	Transcripts []Turn `json:"transcripts"`
}

// CallSummary is provider call metadata enriched with stored turns
type CallSummary struct {
	Sid            string `json:"sid"`
	From           string `json:"from"`
	To             string `json:"to"`
	Status         string `json:"status"`
	Duration       string `json:"duration"`
	StartTime      string `json:"startTime"`
	Transcriptions []Turn `json:"transcriptions"`
}
