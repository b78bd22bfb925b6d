package messaging

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/errors"
	"voicecall-engine/pkg/metrics"
)

// Publisher delivers serialized records to the broker
type Publisher interface {
	Publish(ctx context.Context, body []byte, headers amqp.Table) error
	IsConnected() bool
}

// amqpChannel is the part of *amqp.Channel the client uses
type amqpChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPClient owns one connection and channel and reconnects when the
// broker drops it.
type AMQPClient struct {
	logger *logrus.Logger
	config config.AMQPConfig

	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   amqpChannel
	connected bool
	stopChan  chan struct{}

	done     chan struct{}
	doneOnce sync.Once
}

// NewAMQPClient creates an unconnected client. An empty routing key routes
// by queue name on the default exchange.
func NewAMQPClient(logger *logrus.Logger, cfg config.AMQPConfig) *AMQPClient {
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = cfg.QueueName
	}
	return &AMQPClient{
		logger:   logger,
		config:   cfg,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

type dialResult struct {
	conn *amqp.Connection
	err  error
}

// Connect dials the broker and declares the exchange, queue and binding
func (c *AMQPClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	if c.config.URL == "" || c.config.QueueName == "" {
		return errors.NewNotConfigured("amqp url or queue name")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.Dial(c.config.URL)
		select {
		case results <- dialResult{conn, err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()

	var res dialResult
	select {
	case res = <-results:
	case <-ctx.Done():
		return errors.NewTimeout("amqp dial")
	}
	if res.err != nil {
		return errors.Wrap(errors.ErrNetworkFailure, "failed to connect to AMQP server: "+res.err.Error())
	}

	ch, err := res.conn.Channel()
	if err != nil {
		res.conn.Close()
		return errors.Wrap(err, "failed to open AMQP channel")
	}
	if err := c.declare(ch); err != nil {
		ch.Close()
		res.conn.Close()
		return err
	}

	c.conn = res.conn
	c.channel = ch
	c.connected = true
	c.stopChan = make(chan struct{})
	metrics.SetAMQPConnectionStatus(true)

	c.logger.WithFields(logrus.Fields{
		"exchange": c.config.ExchangeName,
		"queue":    c.config.QueueName,
	}).Info("Connected to AMQP server")

	go c.monitorConnection(res.conn, c.stopChan)
	return nil
}

func (c *AMQPClient) declare(ch *amqp.Channel) error {
	var args amqp.Table
	if c.config.MessageTTL > 0 {
		args = amqp.Table{"x-message-ttl": int32(c.config.MessageTTL / time.Millisecond)}
	}
	if _, err := ch.QueueDeclare(c.config.QueueName, c.config.Durable, false, false, false, args); err != nil {
		return errors.Wrap(err, "failed to declare AMQP queue", map[string]interface{}{"queue": c.config.QueueName})
	}
	if c.config.ExchangeName == "" {
		return nil
	}
	if err := ch.ExchangeDeclare(c.config.ExchangeName, "topic", c.config.Durable, false, false, false, nil); err != nil {
		return errors.Wrap(err, "failed to declare AMQP exchange", map[string]interface{}{"exchange": c.config.ExchangeName})
	}
	if err := ch.QueueBind(c.config.QueueName, c.config.RoutingKey, c.config.ExchangeName, false, nil); err != nil {
		return errors.Wrap(err, "failed to bind AMQP queue")
	}
	return nil
}

// Disconnect closes the channel and connection and stops reconnecting
func (c *AMQPClient) Disconnect() {
	c.doneOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}
	close(c.stopChan)
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.connected = false
	metrics.SetAMQPConnectionStatus(false)
	c.logger.Info("Disconnected from AMQP server")
}

// IsConnected reports the connection status
func (c *AMQPClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Publish sends a persistent JSON message to the configured exchange
func (c *AMQPClient) Publish(ctx context.Context, body []byte, headers amqp.Table) error {
	c.mu.RLock()
	ch, connected := c.channel, c.connected
	c.mu.RUnlock()

	if !connected || ch == nil {
		metrics.RecordAMQPPublish(c.config.QueueName, "not_connected")
		return errors.Wrap(errors.ErrUnavailable, "not connected to AMQP server")
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
	}
	if c.config.MessageTTL > 0 {
		msg.Expiration = strconv.FormatInt(int64(c.config.MessageTTL/time.Millisecond), 10)
	}

	done := make(chan error, 1)
	go func() {
		done <- ch.Publish(c.config.ExchangeName, c.config.RoutingKey, false, false, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			metrics.RecordAMQPPublish(c.config.QueueName, "error")
			return errors.Wrap(err, "failed to publish to AMQP")
		}
		metrics.RecordAMQPPublish(c.config.QueueName, "success")
		return nil
	case <-ctx.Done():
		metrics.RecordAMQPPublish(c.config.QueueName, "timeout")
		return errors.NewTimeout("amqp publish")
	}
}

// monitorConnection reconnects with capped exponential backoff when the
// broker closes the connection.
func (c *AMQPClient) monitorConnection(conn *amqp.Connection, stop chan struct{}) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-stop:
		return
	case closeErr := <-closed:
		if closeErr == nil {
			return
		}
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		metrics.SetAMQPConnectionStatus(false)
		c.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")
	}

	for attempt := 1; attempt <= 10; attempt++ {
		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		if err := c.Connect(); err != nil {
			c.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")
			continue
		}
		c.logger.WithField("attempt", attempt).Info("Reconnected to AMQP server")
		return
	}
	c.logger.Error("Giving up on AMQP reconnection, conversation export disabled")
}
