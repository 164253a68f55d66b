package messaging

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"sipgate-server/pkg/config"
	"sipgate-server/pkg/gateway"
	"sipgate-server/pkg/metrics"
)

const (
	// eventBuffer bounds the in-memory queue between the gateway and
	// the broker. When it fills, events are dropped, never the caller.
	eventBuffer = 256

	connectTimeout       = 5 * time.Second
	maxReconnectAttempts = 10
	maxReconnectBackoff  = 30 * time.Second

	// messageExpiration keeps unconsumed events from piling up in the
	// queue forever, in milliseconds
	messageExpiration = "43200000"
)

// Publisher ships security events to an AMQP queue. Events are handed
// off through a buffered channel and published by a background worker,
// so the signaling path never blocks on broker I/O. Without a
// configured URL the publisher stays disabled and drops everything.
type Publisher struct {
	logger *logrus.Logger
	cfg    *config.MessagingConfig

	connMu    sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool

	events chan gateway.SecurityEvent
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher for the configured queue. Call
// Start to connect and begin shipping events.
func NewPublisher(cfg *config.MessagingConfig, logger *logrus.Logger) *Publisher {
	return &Publisher{
		logger: logger,
		cfg:    cfg,
		events: make(chan gateway.SecurityEvent, eventBuffer),
		stop:   make(chan struct{}),
	}
}

// Enabled reports whether a broker is configured
func (p *Publisher) Enabled() bool {
	return p.cfg.AMQPUrl != "" && p.cfg.AMQPQueueName != ""
}

// Connected reports whether the broker link is currently up
func (p *Publisher) Connected() bool {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	return p.connected
}

// Start connects to the broker and launches the publish worker. A
// failed initial connection is not fatal; the publisher keeps retrying
// in the background and drops events until the broker is reachable.
func (p *Publisher) Start() error {
	if !p.Enabled() {
		p.logger.Info("AMQP URL not configured, security event publishing disabled")
		return nil
	}

	if err := p.connect(); err != nil {
		p.logger.WithError(err).Warn("Initial AMQP connection failed, retrying in background")
		go p.reconnect()
	}

	p.wg.Add(1)
	go p.run()
	return nil
}

// PublishSecurityEvent queues an event for delivery. It never blocks;
// when the buffer is full the event is dropped and counted.
func (p *Publisher) PublishSecurityEvent(event gateway.SecurityEvent) {
	if !p.Enabled() {
		return
	}
	select {
	case p.events <- event:
	default:
		metrics.RecordAMQPPublish(p.cfg.AMQPQueueName, "dropped")
		p.logger.WithField("event_id", event.ID).Warn("Event buffer full, dropping security event")
	}
}

// Close stops the worker and tears down the connection. Buffered
// events that have not been shipped yet are discarded.
func (p *Publisher) Close() {
	p.once.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()

	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	if p.connected {
		p.connected = false
		metrics.SetAMQPConnectionStatus(false)
		p.logger.Info("Disconnected from AMQP server")
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case event := <-p.events:
			p.publish(event)
		}
	}
}

func (p *Publisher) publish(event gateway.SecurityEvent) {
	p.connMu.RLock()
	channel := p.channel
	connected := p.connected
	p.connMu.RUnlock()

	if !connected || channel == nil {
		metrics.RecordAMQPPublish(p.cfg.AMQPQueueName, "dropped")
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		metrics.RecordAMQPPublish(p.cfg.AMQPQueueName, "error")
		p.logger.WithError(err).Error("Failed to encode security event")
		return
	}

	err = channel.Publish(
		"",                  // default exchange
		p.cfg.AMQPQueueName, // routing key
		false,               // mandatory
		false,               // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Time,
			Expiration:   messageExpiration,
		},
	)
	if err != nil {
		metrics.RecordAMQPPublish(p.cfg.AMQPQueueName, "error")
		p.logger.WithError(err).WithFields(logrus.Fields{
			"event_id": event.ID,
			"reason":   event.Reason,
		}).Warn("Failed to publish security event")
		return
	}

	metrics.RecordAMQPPublish(p.cfg.AMQPQueueName, "success")
}

// connect dials the broker, declares the event queue, and starts
// watching for the connection closing underneath us.
func (p *Publisher) connect() error {
	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	resCh := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.Dial(p.cfg.AMQPUrl)
		resCh <- dialResult{conn, err}
	}()

	var conn *amqp.Connection
	select {
	case res := <-resCh:
		if res.err != nil {
			metrics.RecordAMQPConnectionError("dial")
			return fmt.Errorf("failed to connect to AMQP server: %w", res.err)
		}
		conn = res.conn
	case <-time.After(connectTimeout):
		metrics.RecordAMQPConnectionError("dial_timeout")
		go func() {
			if res := <-resCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return fmt.Errorf("connection to AMQP server timed out after %s", connectTimeout)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		metrics.RecordAMQPConnectionError("channel")
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		p.cfg.AMQPQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		metrics.RecordAMQPConnectionError("queue_declare")
		return fmt.Errorf("failed to declare event queue: %w", err)
	}

	p.connMu.Lock()
	p.conn = conn
	p.channel = channel
	p.connected = true
	p.connMu.Unlock()

	metrics.SetAMQPConnectionStatus(true)
	p.logger.WithFields(logrus.Fields{
		"queue": p.cfg.AMQPQueueName,
	}).Info("Connected to AMQP server")

	closeCh := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeCh)
	go p.watch(closeCh)

	return nil
}

// watch waits for the broker connection to close and triggers the
// reconnect cycle
func (p *Publisher) watch(closeCh chan *amqp.Error) {
	select {
	case <-p.stop:
		return
	case closeErr := <-closeCh:
		if closeErr == nil {
			// Graceful shutdown path
			return
		}

		p.connMu.Lock()
		p.connected = false
		p.connMu.Unlock()

		metrics.SetAMQPConnectionStatus(false)
		metrics.RecordAMQPConnectionError("closed")
		p.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")
		p.reconnect()
	}
}

// reconnect retries the connection with exponential backoff. After the
// attempt budget is spent the publisher stays disconnected and events
// are dropped.
func (p *Publisher) reconnect() {
	backoff := time.Second
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		select {
		case <-p.stop:
			return
		case <-time.After(backoff):
		}

		err := p.connect()
		if err == nil {
			metrics.RecordAMQPReconnectAttempt("success")
			p.logger.WithField("attempt", attempt).Info("Reconnected to AMQP server")
			return
		}
		metrics.RecordAMQPReconnectAttempt("failure")
		p.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")

		backoff *= 2
		if backoff > maxReconnectBackoff {
			backoff = maxReconnectBackoff
		}
	}

	p.logger.Error("Giving up on AMQP reconnection, events will be dropped")
}
