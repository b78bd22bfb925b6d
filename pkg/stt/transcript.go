package stt

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MinForwardConfidence is the floor below which an event is discarded
// entirely, interim or final.
const MinForwardConfidence = 0.4

var (
	ErrConnectFailed = errors.New("stt stream connect failed")
	ErrNotConnected  = errors.New("stt stream not connected")
	ErrClientClosed  = errors.New("stt stream client closed")
)

// TranscriptEvent is one recognition result from a streaming provider
type TranscriptEvent struct {
	Text       string
	IsFinal    bool
	Confidence float64
	Provider   string
	ReceivedAt time.Time
}

// WordCount returns the number of whitespace separated words
func (e TranscriptEvent) WordCount() int {
	return len(strings.Fields(e.Text))
}

// TranscriptHandler receives routed transcript events
type TranscriptHandler func(TranscriptEvent)

// Handlers are the callbacks a session registers on connect. Final carries
// confident final results; Interim carries confident partial results and is
// only meant for barge-in decisions.
type Handlers struct {
	Final   TranscriptHandler
	Interim TranscriptHandler
}

// Transport dials streaming recognition connections for one provider
type Transport interface {
	Name() string
	Dial(ctx context.Context, callSID string) (Conn, error)
}

// Conn is one live recognition stream. Send is never called concurrently.
// Recv returns io.EOF once the provider closes the stream cleanly.
type Conn interface {
	Send(audio []byte) error
	Recv() (TranscriptEvent, error)
	Close() error
}

// BatchTranscriber is the one-shot fallback used when streaming is unusable
type BatchTranscriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}
