package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"telemetryfabric/internal/resilience"
)

// subscription is the bookkeeping kept per pattern so a clean-session client
// can resubscribe without caller action on reconnect (spec.md §4.1).
type subscription struct {
	qos     QoS
	handler Handler
}

// MQTTClient implements Client over github.com/eclipse/paho.mqtt.golang,
// grounded on the teacher's internal/messaging/mqtt.go (MQTTMessaging).
type MQTTClient struct {
	cfg    Config
	logger *zap.Logger
	client mqtt.Client

	connected    int32 // atomic bool
	closing      int32 // atomic bool: set by Disconnect so a dropped connection is not retried
	reconnecting int32 // atomic bool: guards against overlapping reconnect loops

	mu            sync.RWMutex
	subscriptions map[string]*subscription
	stateCbs      []func(StateChange)

	// backpressure: bounded in-flight + queued publish slots (spec.md §4.1)
	inFlight chan struct{}
	queued   chan struct{}

	workers chan func()
	wg      sync.WaitGroup
}

// NewMQTTClient constructs a broker.Client backed by an MQTT connection. It
// does not connect until Connect is called.
func NewMQTTClient(cfg Config, logger *zap.Logger) (*MQTTClient, error) {
	if cfg.InFlightWindow <= 0 {
		cfg.InFlightWindow = 100
	}
	if cfg.QueuedWindow <= 0 {
		cfg.QueuedWindow = 1000
	}

	c := &MQTTClient{
		cfg:           cfg,
		logger:        logger,
		subscriptions: make(map[string]*subscription),
		inFlight:      make(chan struct{}, cfg.InFlightWindow),
		queued:        make(chan struct{}, cfg.QueuedWindow),
		workers:       make(chan func(), 256),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Endpoint)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(false) // the facade owns reconnect so it can resubscribe deterministically
	opts.SetCleanSession(cfg.CleanSession)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTLSFailed, err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetDefaultPublishHandler(c.onUnhandledMessage)

	c.client = mqtt.NewClient(opts)

	// bounded worker pool for inbound dispatch (spec.md §5): handlers may
	// block briefly without stalling the paho I/O goroutine.
	for i := 0; i < 4; i++ {
		c.wg.Add(1)
		go c.runWorker()
	}

	return c, nil
}

func buildTLSConfig(opts TLSOptions) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}

	if opts.CertFile != "" && opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if opts.CAFile != "" {
		caCert, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse CA file %s", opts.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

func (c *MQTTClient) runWorker() {
	defer c.wg.Done()
	for fn := range c.workers {
		fn()
	}
}

// Connect dials the broker, retrying every connect failure with a bounded
// exponential backoff until it succeeds or ctx ends (spec.md §4.1, §7).
// Auth and TLS refusals are not told apart from other connect failures:
// they are retried the same way and are not returned as ErrAuthFailed or
// ErrTLSFailed.
func (c *MQTTClient) Connect(ctx context.Context) error {
	c.notifyState(StateChange{State: StateConnecting})

	backoffPolicy := resilience.ReconnectBackoff(c.cfg.MaxReconnectWait)

	for {
		token := c.client.Connect()
		done := make(chan struct{})
		go func() { token.Wait(); close(done) }()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}

		if err := token.Error(); err == nil {
			atomic.StoreInt32(&c.connected, 1)
			c.notifyState(StateChange{State: StateConnected})
			return nil
		} else if isFatalConnectError(err) {
			return fmt.Errorf("%w: %v", classifyFatal(err), err)
		}

		delay := resilience.NextDelay(backoffPolicy, c.cfg.MaxReconnectWait)
		c.logger.Warn("broker connect failed, retrying", zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func isFatalConnectError(err error) bool {
	// paho surfaces auth/TLS failures as plain errors; without structured
	// codes we treat everything as retryable transport trouble except what
	// the caller has already classified as fatal via TLS config build.
	return false
}

func classifyFatal(err error) error {
	return ErrUnreachable
}

// Disconnect closes the connection and releases worker goroutines.
func (c *MQTTClient) Disconnect() error {
	atomic.StoreInt32(&c.closing, 1)
	if atomic.LoadInt32(&c.connected) == 1 {
		c.client.Disconnect(250)
	}
	atomic.StoreInt32(&c.connected, 0)
	return nil
}

// IsConnected reports the last known connection state.
func (c *MQTTClient) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1 && c.client.IsConnected()
}

// Subscribe registers a pattern handler; the facade tracks it so a clean
// reconnect resubscribes automatically (spec.md §4.1).
func (c *MQTTClient) Subscribe(pattern string, qos QoS, handler Handler) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Subscribe(pattern, byte(qos), func(_ mqtt.Client, msg mqtt.Message) {
		c.dispatch(Message{Topic: msg.Topic(), Payload: msg.Payload()}, handler)
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", ErrProtocolError, pattern, err)
	}

	c.mu.Lock()
	c.subscriptions[pattern] = &subscription{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}

func (c *MQTTClient) dispatch(msg Message, handler Handler) {
	select {
	case c.workers <- func() {
		if err := handler(msg); err != nil {
			c.logger.Error("message handler error", zap.String("topic", msg.Topic), zap.Error(err))
		}
	}:
	default:
		// worker pool saturated: run inline rather than drop a message
		if err := handler(msg); err != nil {
			c.logger.Error("message handler error", zap.String("topic", msg.Topic), zap.Error(err))
		}
	}
}

// Unsubscribe removes a pattern and stops tracking it for resubscribe.
func (c *MQTTClient) Unsubscribe(pattern string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Unsubscribe(pattern)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %v", ErrProtocolError, pattern, err)
	}
	c.mu.Lock()
	delete(c.subscriptions, pattern)
	c.mu.Unlock()
	return nil
}

// Publish sends payload on topic, failing fast with ErrBackpressure instead
// of blocking when the in-flight/queued windows are exhausted (spec.md §4.1).
func (c *MQTTClient) Publish(topic string, payload []byte, qos QoS, retain bool) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	select {
	case c.queued <- struct{}{}:
	default:
		return ErrBackpressure
	}
	defer func() { <-c.queued }()

	select {
	case c.inFlight <- struct{}{}:
	default:
		return ErrBackpressure
	}
	defer func() { <-c.inFlight }()

	token := c.client.Publish(topic, byte(qos), retain, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrProtocolError, topic, err)
	}
	return nil
}

// OnStateChange registers a callback invoked on every connection lifecycle
// transition.
func (c *MQTTClient) OnStateChange(cb func(StateChange)) {
	c.mu.Lock()
	c.stateCbs = append(c.stateCbs, cb)
	c.mu.Unlock()
}

func (c *MQTTClient) notifyState(sc StateChange) {
	c.mu.RLock()
	cbs := append([]func(StateChange){}, c.stateCbs...)
	c.mu.RUnlock()
	for _, cb := range cbs {
		cb(sc)
	}
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	atomic.StoreInt32(&c.connected, 0)
	c.notifyState(StateChange{State: StateReconnecting, Err: err})
	c.logger.Warn("broker connection lost", zap.Error(err))

	if atomic.LoadInt32(&c.closing) == 1 {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.reconnecting, 0, 1) {
		return // a reconnect loop is already running
	}
	go c.reconnectLoop()
}

// reconnectLoop re-dials with a bounded exponential backoff after an
// unsolicited connection loss, since AutoReconnect is disabled so the
// facade can resubscribe deterministically instead of relying on paho's
// own resubscribe-on-reconnect (spec.md §4.1). A successful Connect call
// triggers onConnect, which performs the resubscribe.
func (c *MQTTClient) reconnectLoop() {
	defer atomic.StoreInt32(&c.reconnecting, 0)

	backoffPolicy := resilience.ReconnectBackoff(c.cfg.MaxReconnectWait)

	for {
		if atomic.LoadInt32(&c.closing) == 1 {
			return
		}

		token := c.client.Connect()
		token.Wait()

		if err := token.Error(); err == nil {
			return // onConnect fires from here, updates state, resubscribes
		} else if isFatalConnectError(err) {
			c.logger.Error("broker reconnect failed fatally, giving up", zap.Error(err))
			return
		}

		delay := resilience.NextDelay(backoffPolicy, c.cfg.MaxReconnectWait)
		c.logger.Warn("broker reconnect attempt failed, retrying", zap.Duration("delay", delay))

		if atomic.LoadInt32(&c.closing) == 1 {
			return
		}
		time.Sleep(delay)
	}
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	atomic.StoreInt32(&c.connected, 1)
	c.notifyState(StateChange{State: StateConnected})
	c.logger.Info("broker connection established")

	// re-establish subscriptions after a reconnect (spec.md §4.1).
	c.mu.RLock()
	subs := make(map[string]*subscription, len(c.subscriptions))
	for k, v := range c.subscriptions {
		subs[k] = v
	}
	c.mu.RUnlock()

	for pattern, sub := range subs {
		handler := sub.handler
		token := client.Subscribe(pattern, byte(sub.qos), func(_ mqtt.Client, msg mqtt.Message) {
			c.dispatch(Message{Topic: msg.Topic(), Payload: msg.Payload()}, handler)
		})
		if !token.WaitTimeout(c.cfg.ConnectTimeout) {
			c.logger.Error("resubscribe timeout", zap.String("pattern", pattern))
			continue
		}
		if err := token.Error(); err != nil {
			c.logger.Error("resubscribe failed", zap.String("pattern", pattern), zap.Error(err))
		}
	}
}

func (c *MQTTClient) onUnhandledMessage(_ mqtt.Client, msg mqtt.Message) {
	c.logger.Debug("received unhandled message",
		zap.String("topic", msg.Topic()),
		zap.Int("payload_size", len(msg.Payload())))
}
