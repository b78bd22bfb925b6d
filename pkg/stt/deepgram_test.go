package stt

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"voicecall-engine/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepgramTransportStreamsResults(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 1)
	var query, auth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		auth = r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		received <- data

		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata"}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"  ","confidence":0.9}]}}`))
		ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"book a demo","confidence":0.93}]}}`))
		ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer server.Close()

	cfg := config.DeepgramSTTConfig{
		APIKey: "dg-key",
		URL:    "ws" + strings.TrimPrefix(server.URL, "http"),
		Model:  "nova-2",
	}
	transport := NewDeepgramTransport(quietLogger(), cfg, "en-US", 16000)

	conn, err := transport.Dial(context.Background(), "CA1")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send([]byte{1, 2, 3, 4}))
	assert.Equal(t, []byte{1, 2, 3, 4}, <-received)

	ev, err := conn.Recv()
	require.NoError(t, err)
	assert.Equal(t, "book a demo", ev.Text)
	assert.True(t, ev.IsFinal)
	assert.InDelta(t, 0.93, ev.Confidence, 1e-9)
	assert.Equal(t, "deepgram", ev.Provider)

	_, err = conn.Recv()
	assert.Equal(t, io.EOF, err)

	assert.Equal(t, "Token dg-key", auth)
	assert.Contains(t, query, "encoding=linear16")
	assert.Contains(t, query, "sample_rate=16000")
	assert.Contains(t, query, "interim_results=true")
}

func TestDeepgramTransportRequiresKey(t *testing.T) {
	transport := NewDeepgramTransport(quietLogger(), config.DeepgramSTTConfig{URL: "wss://example.invalid"}, "en-US", 16000)
	_, err := transport.Dial(context.Background(), "CA1")
	assert.Error(t, err)
}

func TestNewTransportRejectsUnknownProvider(t *testing.T) {
	_, err := NewTransport(context.Background(), quietLogger(), config.STTConfig{Provider: "nope"})
	assert.Error(t, err)
}

func TestStreamConfigFrom(t *testing.T) {
	sc := StreamConfigFrom(config.STTConfig{
		ConnectAttempts:   5,
		KeepaliveInterval: 0,
		SampleRate:        8000,
	})
	assert.Equal(t, 5, sc.MaxAttempts)
	assert.Equal(t, DefaultStreamConfig().Backoff, sc.Backoff)
	assert.Equal(t, 8000, sc.SampleRate)
}
