package stt

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"voicecall-engine/pkg/audio"
	"voicecall-engine/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// StreamConfig controls connection retries and keepalive
type StreamConfig struct {
	MaxAttempts       int
	Backoff           []time.Duration
	KeepaliveInterval time.Duration
	SampleRate        int
	PushQueueSize     int
}

// DefaultStreamConfig returns 3 attempts with 0.5s/1s/2s backoff and a 150ms keepalive
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		MaxAttempts:       3,
		Backoff:           []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second},
		KeepaliveInterval: 150 * time.Millisecond,
		SampleRate:        audio.PipelineSampleRate,
		PushQueueSize:     64,
	}
}

// StreamClient owns the single streaming recognition connection of one call
type StreamClient struct {
	callSID   string
	transport Transport
	config    StreamConfig
	logger    *logrus.Entry

	mu         sync.Mutex
	conn       Conn
	generation uint64
	handlers   Handlers
	closed     bool
	loopCancel context.CancelFunc
	loops      sync.WaitGroup

	// dialMu serializes connection replacement so a teardown never waits
	// on loops another dial is installing
	dialMu sync.Mutex

	// sendMu serializes writes; providers do not allow concurrent writers
	sendMu sync.Mutex

	lastAudio atomic.Int64
	pushCh    chan []byte

	sleep func(ctx context.Context, d time.Duration) error
}

// NewStreamClient creates the client for one call
func NewStreamClient(callSID string, transport Transport, config StreamConfig, logger *logrus.Logger) *StreamClient {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.SampleRate <= 0 {
		config.SampleRate = audio.PipelineSampleRate
	}
	if config.PushQueueSize <= 0 {
		config.PushQueueSize = 64
	}
	return &StreamClient{
		callSID:   callSID,
		transport: transport,
		config:    config,
		logger: logger.WithFields(logrus.Fields{
			"call_sid": callSID,
			"provider": transport.Name(),
		}),
		sleep: sleepContext,
	}
}

// Connect opens the streaming connection, replacing any existing one, and
// registers handlers. It retries with backoff up to MaxAttempts and returns
// nil, false once they are exhausted.
func (c *StreamClient) Connect(ctx context.Context, handlers Handlers) (*Subscription, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false
	}
	c.handlers = handlers
	c.mu.Unlock()

	if err := c.reconnect(ctx); err != nil {
		c.logger.WithError(err).Warn("Streaming STT unavailable")
		return nil, false
	}

	c.mu.Lock()
	if c.pushCh == nil && !c.closed {
		c.pushCh = make(chan []byte, c.config.PushQueueSize)
		go c.pushLoop(c.pushCh)
	}
	c.mu.Unlock()

	return &Subscription{client: c}, true
}

// reconnect tears down the current connection and dials a new one with the
// backoff policy.
func (c *StreamClient) reconnect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	c.teardown()

	var lastErr error
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return err
			}
		}

		conn, err := c.transport.Dial(ctx, c.callSID)
		metrics.RecordSTTConnect(c.transport.Name(), err == nil)
		if err != nil {
			lastErr = err
			c.logger.WithError(err).WithField("attempt", attempt+1).Warn("STT connect attempt failed")
			continue
		}

		if !c.install(conn) {
			conn.Close()
			return ErrClientClosed
		}
		c.logger.WithField("attempt", attempt+1).Info("STT stream connected")
		return nil
	}

	if lastErr == nil {
		lastErr = ErrConnectFailed
	}
	return lastErr
}

func (c *StreamClient) backoff(i int) time.Duration {
	if len(c.config.Backoff) == 0 {
		return 0
	}
	if i >= len(c.config.Backoff) {
		return c.config.Backoff[len(c.config.Backoff)-1]
	}
	return c.config.Backoff[i]
}

// install makes conn current and starts its receive and keepalive loops
func (c *StreamClient) install(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.generation++
	c.loopCancel = cancel
	c.lastAudio.Store(time.Now().UnixNano())

	gen := c.generation
	c.loops.Add(2)
	go c.receiveLoop(loopCtx, conn, gen)
	go c.keepaliveLoop(loopCtx, conn)
	return true
}

// teardown closes the current connection and waits for its loops
func (c *StreamClient) teardown() {
	c.mu.Lock()
	conn, cancel := c.conn, c.loopCancel
	c.conn, c.loopCancel = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.WithError(err).Debug("Error closing STT stream")
		}
	}
	c.loops.Wait()
}

// SendAudio writes audio to the stream. A failed write triggers a reconnect
// and a retry, up to MaxAttempts writes in total.
func (c *StreamClient) SendAudio(ctx context.Context, pcm []byte) bool {
	var failed uint64
	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.RecordSTTReconnect(c.transport.Name())
			if err := c.sleep(ctx, c.backoff(attempt-1)); err != nil {
				return false
			}
			if err := c.redial(ctx, failed); err != nil {
				c.logger.WithError(err).WithField("attempt", attempt+1).Debug("STT redial failed")
				continue
			}
		}

		conn, gen := c.snapshot()
		failed = gen
		if conn == nil {
			if c.isClosed() {
				return false
			}
			continue
		}
		if err := c.write(conn, pcm); err != nil {
			c.logger.WithError(err).WithField("attempt", attempt+1).Warn("STT send failed")
			continue
		}
		c.lastAudio.Store(time.Now().UnixNano())
		return true
	}
	return false
}

// redial replaces the connection of generation failed with a single dial
// attempt. A connection installed since then is kept.
func (c *StreamClient) redial(ctx context.Context, failed uint64) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if c.isClosed() {
		return ErrClientClosed
	}
	if conn, gen := c.snapshot(); conn != nil && gen != failed {
		return nil
	}
	c.teardown()
	conn, err := c.transport.Dial(ctx, c.callSID)
	metrics.RecordSTTConnect(c.transport.Name(), err == nil)
	if err != nil {
		return err
	}
	if !c.install(conn) {
		conn.Close()
		return ErrClientClosed
	}
	return nil
}

// Push queues audio for SendAudio without blocking the caller. Audio is
// dropped when the queue is full or the client is not connected.
func (c *StreamClient) Push(pcm []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pushCh == nil || c.closed {
		return false
	}
	select {
	case c.pushCh <- pcm:
		return true
	default:
		c.logger.Debug("STT push queue full, dropping audio")
		return false
	}
}

func (c *StreamClient) pushLoop(ch <-chan []byte) {
	for pcm := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		c.SendAudio(ctx, pcm)
		cancel()
	}
}

func (c *StreamClient) write(conn Conn, pcm []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return conn.Send(pcm)
}

func (c *StreamClient) current() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *StreamClient) snapshot() (Conn, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.generation
}

func (c *StreamClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Connected reports whether a stream is currently open
func (c *StreamClient) Connected() bool {
	return c.current() != nil
}

func (c *StreamClient) receiveLoop(ctx context.Context, conn Conn, gen uint64) {
	defer c.loops.Done()
	for {
		ev, err := conn.Recv()
		if err != nil {
			if ctx.Err() == nil && err != io.EOF {
				c.logger.WithError(err).Warn("STT receive loop ended")
			}
			c.dropIfCurrent(gen)
			return
		}
		c.route(ev)
	}
}

// dropIfCurrent forgets a connection whose stream died on its own so the
// next SendAudio reconnects.
func (c *StreamClient) dropIfCurrent(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == gen && c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// route applies confidence gating: below the floor nothing is forwarded,
// finals go to the final handler, partials only to the interim handler.
func (c *StreamClient) route(ev TranscriptEvent) {
	if ev.Provider == "" {
		ev.Provider = c.transport.Name()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}

	if ev.Confidence < MinForwardConfidence {
		metrics.RecordTranscript(ev.Provider, "dropped_low_confidence")
		return
	}

	c.mu.Lock()
	handlers := c.handlers
	c.mu.Unlock()

	if ev.IsFinal {
		metrics.RecordTranscript(ev.Provider, "final")
		if handlers.Final != nil {
			handlers.Final(ev)
		}
		return
	}

	metrics.RecordTranscript(ev.Provider, "interim")
	if handlers.Interim != nil {
		handlers.Interim(ev)
	}
}

func (c *StreamClient) keepaliveLoop(ctx context.Context, conn Conn) {
	defer c.loops.Done()
	if c.config.KeepaliveInterval <= 0 {
		return
	}

	silence := audio.SilencePCM(c.config.KeepaliveInterval, c.config.SampleRate)
	ticker := time.NewTicker(c.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastAudio.Load()))
			if idle < c.config.KeepaliveInterval {
				continue
			}
			if err := c.write(conn, silence); err != nil {
				c.logger.WithError(err).Debug("STT keepalive failed")
			}
		}
	}
}

// Disconnect closes the stream and stops all loops. Safe to call repeatedly.
func (c *StreamClient) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.handlers = Handlers{}
	ch := c.pushCh
	c.pushCh = nil
	c.mu.Unlock()

	if ch != nil {
		close(ch)
	}
	c.teardown()
	c.logger.Debug("STT stream client disconnected")
}

// Subscription is the session's handle on a connected stream
type Subscription struct {
	client *StreamClient
	once   sync.Once
}

// Unsubscribe detaches the handlers and disconnects the stream
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.client.Disconnect)
}

// Client returns the stream client behind the subscription
func (s *Subscription) Client() *StreamClient {
	return s.client
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
