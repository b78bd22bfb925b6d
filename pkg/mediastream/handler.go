package mediastream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"voicecall-engine/pkg/audio"
	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/conversation"
	"voicecall-engine/pkg/correlation"
	"voicecall-engine/pkg/errors"
	"voicecall-engine/pkg/metrics"
)

const (
	maxMessageBytes = 64 * 1024
	writeTimeout    = 5 * time.Second
)

// Engine is the part of the session manager the transport drives
type Engine interface {
	StartSession(ctx context.Context, p conversation.Params) (*conversation.CallSession, error)
	HandleInboundAudio(callSID string, muLaw []byte)
	EndSession(callSID, reason string) bool
}

// Handler serves the media websocket, one call per connection
type Handler struct {
	logger   *logrus.Logger
	engine   Engine
	cfg      config.MediaConfig
	upgrader websocket.Upgrader
}

// NewHandler creates a media stream handler
func NewHandler(logger *logrus.Logger, engine Engine, cfg config.MediaConfig) *Handler {
	if cfg.OutboundChunkBytes <= 0 {
		cfg.OutboundChunkBytes = 3200
	}
	return &Handler{
		logger: logger,
		engine: engine,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// telephony providers do not send a browser origin
				return true
			},
		},
	}
}

// ServeHTTP upgrades the request and runs the receive loop until the
// stream stops or the socket closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := correlation.Logger(r.Context(), h.logger).WithField("remote_addr", r.RemoteAddr)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithError(err).Warn("Media websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &connection{
		handler: h,
		ws:      ws,
		logger:  logger,
	}
	defer func() {
		cancel()
		c.wg.Wait()
		ws.Close()
	}()

	c.logger.Debug("Media websocket connected")
	c.receive(ctx)
}

type connection struct {
	handler *Handler
	ws      *websocket.Conn
	logger  *logrus.Entry

	writeMu sync.Mutex
	wg      sync.WaitGroup

	callSID   string
	streamSID string

	// set by the receive loop on stop or disconnect, and by the sender
	// when the engine ends the call
	stopped atomic.Bool
}

func (c *connection) receive(ctx context.Context) {
	h := c.handler
	c.ws.SetReadLimit(maxMessageBytes)

	for {
		if h.cfg.IdleTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.disconnected(err)
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.WithError(err).Warn("Ignoring malformed media event")
			continue
		}

		switch ev.Event {
		case EventConnected:
			c.logger.Debug("Media stream connected event")
		case EventStart:
			if err := c.start(ctx, &ev); err != nil {
				c.logger.WithError(err).Error("Rejecting media stream start")
				c.close(websocket.ClosePolicyViolation, "invalid start")
				return
			}
		case EventMedia:
			c.media(&ev)
		case EventMark:
			if ev.Mark != nil {
				c.logger.WithField("mark", ev.Mark.Name).Debug("Playback mark reached")
			}
		case EventStop:
			c.stop()
			return
		default:
			c.logger.WithField("event", ev.Event).Debug("Ignoring unknown media event")
		}
	}
}

func (c *connection) start(ctx context.Context, ev *Event) error {
	if ev.Start == nil {
		return errors.NewInvalidInput("start event without start payload")
	}
	if c.callSID != "" {
		c.logger.Warn("Duplicate start event ignored")
		return nil
	}

	p := sessionParams(ev.Start)
	if p.StreamSID == "" {
		p.StreamSID = ev.StreamSid
	}
	s, err := c.handler.engine.StartSession(ctx, p)
	if err != nil {
		return err
	}

	c.callSID = p.CallSID
	c.streamSID = p.StreamSID
	c.logger = c.logger.WithFields(logrus.Fields{
		"call_sid":   c.callSID,
		"stream_sid": c.streamSID,
	})
	c.logger.WithField("encoding", ev.Start.MediaFormat.Encoding).Info("Media stream started")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.send(ctx, s)
	}()
	return nil
}

func (c *connection) media(ev *Event) {
	if c.callSID == "" || c.stopped.Load() || ev.Media == nil {
		return
	}
	if ev.Media.Track != "" && ev.Media.Track != "inbound" {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
	if err != nil {
		c.logger.WithError(err).Debug("Dropping undecodable media payload")
		return
	}
	if len(payload) == 0 {
		return
	}
	c.handler.engine.HandleInboundAudio(c.callSID, payload)
}

func (c *connection) stop() {
	if c.stopped.Swap(true) || c.callSID == "" {
		return
	}
	c.logger.Info("Media stream stopped")
	c.handler.engine.EndSession(c.callSID, conversation.EndReasonStop)
}

func (c *connection) disconnected(err error) {
	if c.callSID == "" || c.stopped.Swap(true) {
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.WithError(err).Warn("Media websocket closed unexpectedly")
	} else {
		c.logger.WithError(err).Info("Media websocket closed")
	}
	c.handler.engine.EndSession(c.callSID, conversation.EndReasonDisconnect)
}

// send drains the session's outbound queue onto the socket, paced for real
// time playback, and keeps the link alive with silence while idle.
func (c *connection) send(ctx context.Context, s *conversation.CallSession) {
	h := c.handler
	var keepalive <-chan time.Time
	if h.cfg.KeepaliveInterval > 0 {
		ticker := time.NewTicker(h.cfg.KeepaliveInterval)
		defer ticker.Stop()
		keepalive = ticker.C
	}
	lastSent := time.Now()
	silence := audio.SilenceMuLaw(audio.FrameDuration)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			c.stopped.Store(true)
			c.logger.WithField("reason", s.EndReason()).Info("Call ended by engine, closing media stream")
			c.close(websocket.CloseNormalClosure, "call ended")
			return
		case <-s.Clear():
			if !c.write(clearEvent(c.streamSID)) {
				return
			}
		case <-s.Outbound.Notify():
			for {
				chunk, ok := s.Outbound.Pop()
				if !ok {
					break
				}
				if !c.play(ctx, s, chunk) {
					return
				}
				lastSent = time.Now()
			}
		case <-keepalive:
			if time.Since(lastSent) < h.cfg.KeepaliveInterval || s.Outbound.Len() > 0 {
				continue
			}
			if !c.write(mediaEvent(c.streamSID, silence)) {
				return
			}
			lastSent = time.Now()
		}
	}
}

// play writes one queued chunk as transport-sized media events. A clear
// signal abandons the rest of the chunk. It reports false when the socket
// is unusable.
func (c *connection) play(ctx context.Context, s *conversation.CallSession, chunk []byte) bool {
	h := c.handler
	size := h.cfg.OutboundChunkBytes
	for off := 0; off < len(chunk); off += size {
		end := off + size
		if end > len(chunk) {
			end = len(chunk)
		}
		if !c.write(mediaEvent(c.streamSID, chunk[off:end])) {
			return false
		}
		metrics.RecordMediaFrame("outbound")

		if h.cfg.OutboundPacing <= 0 {
			continue
		}
		pace := time.NewTimer(h.cfg.OutboundPacing)
		select {
		case <-ctx.Done():
			pace.Stop()
			return false
		case <-s.Done():
			pace.Stop()
			return true
		case <-s.Clear():
			pace.Stop()
			return c.write(clearEvent(c.streamSID))
		case <-pace.C:
		}
	}
	return true
}

func (c *connection) write(ev Event) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteJSON(ev); err != nil {
		c.logger.WithError(err).WithField("event", ev.Event).Warn("Failed to write media event")
		return false
	}
	return true
}

func (c *connection) close(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
