package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"telemetry-service/internal/mqtt"
	"telemetry-service/internal/observability"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Client is the part of paho.Client the bridge drives.
type Client interface {
	Connect() mqtt.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) mqtt.Token
	Disconnect(quiesce uint)
}

type Handler interface {
	HandleMessage(ctx context.Context, msg MQTTMessage, receivedAt time.Time) error
}

type BridgeConfig struct {
	Topic         string
	QoS           byte
	RetryInterval time.Duration
	// QueueSize bounds messages waiting for the consumer. paho's delivery blocks
	// while the queue is full.
	QueueSize int
}

const (
	DefaultTopic         = "sensor/data"
	DefaultRetryInterval = 5 * time.Second
)

type timer interface{ Stop() bool }

// Bridge keeps one subscription alive and feeds its messages to a single consumer.
type Bridge struct {
	cfg     BridgeConfig
	client  Client
	handler Handler
	msgs    chan MQTTMessage

	afterFunc func(time.Duration, func()) timer

	// handleMu keeps handler calls one at a time when a late delivery is handled
	// outside the consumer loop.
	handleMu sync.Mutex

	mu      sync.Mutex
	runCtx  context.Context
	state   State
	retry   timer
	stopped bool
	done    chan struct{}
}

// NewBridge creates the paho client from opts, taking over its connection-lost handler.
func NewBridge(opts *paho.ClientOptions, cfg BridgeConfig, h Handler) *Bridge {
	b := newBridge(nil, cfg, h)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	b.client = paho.NewClient(opts)
	return b
}

func newBridge(client Client, cfg BridgeConfig, h Handler) *Bridge {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Bridge{
		cfg:     cfg,
		client:  client,
		handler: h,
		msgs:    make(chan MQTTMessage, cfg.QueueSize),
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		done: make(chan struct{}),
	}
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Run connects and consumes messages one at a time until ctx is cancelled, then
// disconnects. Connection faults never end Run.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return errors.New("bridge already stopped")
	}
	b.runCtx = ctx
	b.mu.Unlock()
	defer close(b.done)

	b.connect(ctx)
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			b.drain()
			return nil
		case m := <-b.msgs:
			b.handle(ctx, m)
		}
	}
}

func (b *Bridge) handle(ctx context.Context, m MQTTMessage) {
	b.handleMu.Lock()
	defer b.handleMu.Unlock()
	_ = b.handler.HandleMessage(ctx, m, time.Now().UTC())
}

// drain handles messages that were acknowledged to the broker but not yet consumed.
func (b *Bridge) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case m := <-b.msgs:
			b.handle(ctx, m)
		default:
			return
		}
	}
}

// Done is closed once Run has returned.
func (b *Bridge) Done() <-chan struct{} { return b.done }

func (b *Bridge) connect(ctx context.Context) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if b.state == Disconnected {
		b.setStateLocked(Connecting)
	}
	b.mu.Unlock()

	slog.Info("mqtt connecting", "topic", b.cfg.Topic)
	tok := b.client.Connect()
	go func() {
		tok.Wait()
		if err := tok.Error(); err != nil {
			slog.Warn("mqtt connect failed", "error", err, "retry_in", b.cfg.RetryInterval)
			b.scheduleRetry(ctx)
			return
		}
		b.subscribe(ctx)
	}()
}

func (b *Bridge) subscribe(ctx context.Context) {
	tok := b.client.Subscribe(b.cfg.Topic, b.cfg.QoS, func(_ paho.Client, m paho.Message) {
		b.enqueue(ctx, m)
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		slog.Error("mqtt subscribe failed", "topic", b.cfg.Topic, "error", err)
		b.client.Disconnect(250)
		b.scheduleRetry(ctx)
		return
	}
	b.mu.Lock()
	if !b.stopped {
		b.setStateLocked(Connected)
	}
	b.mu.Unlock()
	slog.Info("mqtt subscribed", "topic", b.cfg.Topic, "qos", b.cfg.QoS)
}

// enqueue hands m to the consumer. paho acks m when this returns, so once ctx is
// done m is handled here rather than dropped.
func (b *Bridge) enqueue(ctx context.Context, m MQTTMessage) {
	if ctx.Err() == nil {
		select {
		case b.msgs <- m:
			if ctx.Err() != nil {
				// Run may have drained the queue already.
				b.drain()
			}
			return
		case <-ctx.Done():
		}
	}
	lateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.handle(lateCtx, m)
}

func (b *Bridge) onConnectionLost(_ paho.Client, err error) {
	slog.Warn("mqtt connection lost", "error", err, "retry_in", b.cfg.RetryInterval)
	b.mu.Lock()
	ctx := b.runCtx
	b.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	b.scheduleRetry(ctx)
}

// scheduleRetry arms a single fixed-interval timer. A retry that is already armed
// is left alone.
func (b *Bridge) scheduleRetry(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || b.retry != nil {
		return
	}
	b.setStateLocked(Reconnecting)
	b.retry = b.afterFunc(b.cfg.RetryInterval, func() {
		b.mu.Lock()
		b.retry = nil
		b.mu.Unlock()
		b.connect(ctx)
	})
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	b.stopped = true
	if b.retry != nil {
		b.retry.Stop()
		b.retry = nil
	}
	b.setStateLocked(Disconnected)
	b.mu.Unlock()
	b.client.Disconnect(1000)
	slog.Info("mqtt bridge stopped")
}

func (b *Bridge) setStateLocked(s State) {
	if b.state == s {
		return
	}
	slog.Debug("mqtt bridge state", "from", b.state.String(), "to", s.String())
	b.state = s
	observability.MQTTConnectionState.Set(float64(s))
}
