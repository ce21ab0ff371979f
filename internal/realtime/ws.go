package realtime

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
	"github.com/mariankugiel/patient-web-app-sub002/internal/metrics"
	"github.com/mariankugiel/patient-web-app-sub002/internal/status"
	"go.uber.org/zap"
)

const readLimit = 1 << 20

// Options configures a WSChannel.
type Options struct {
	URL   string
	Token string

	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 retries forever
}

func (o *Options) defaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 25 * time.Second
	}
	if o.ReconnectBaseDelay == 0 {
		o.ReconnectBaseDelay = time.Second
	}
	if o.ReconnectMaxDelay == 0 {
		o.ReconnectMaxDelay = 30 * time.Second
	}
}

// WSChannel is a WebSocket Channel with heartbeat and automatic reconnect.
type WSChannel struct {
	opts    Options
	bus     *bus.Bus
	machine *status.Machine
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWSChannel creates a disconnected channel. Connection state changes are
// reported through machine.
func NewWSChannel(opts Options, b *bus.Bus, machine *status.Machine, m *metrics.Metrics, logger *zap.Logger) *WSChannel {
	opts.defaults()
	return &WSChannel{
		opts:    opts,
		bus:     b,
		machine: machine,
		metrics: m,
		logger:  logger,
	}
}

// Connect starts the connection supervisor and waits for the first dial.
// If that dial fails the error is returned and the supervisor keeps retrying
// in the background.
func (c *WSChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	first := make(chan error, 1)
	go c.run(runCtx, cancel, first)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the connection and stops reconnecting.
func (c *WSChannel) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		// The peer may already be gone; the supervisor exits either way.
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.transition(status.Disconnected)
	return nil
}

// Send writes env to the open connection.
func (c *WSChannel) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *WSChannel) Subscribe(bufSize int) *bus.Subscription {
	return c.bus.Subscribe(bus.KindEnvelope, bufSize)
}

func (c *WSChannel) Status() status.State {
	return c.machine.Current()
}

func (c *WSChannel) run(ctx context.Context, cancel context.CancelFunc, first chan<- error) {
	defer c.wg.Done()

	recon := newReconnector(c.opts)
	report := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}

	for {
		c.transition(status.Connecting)
		conn, err := c.dial(ctx)
		if err == nil {
			recon.markConnected()
			c.setConn(conn)
			c.transition(status.Connected)
			c.logger.Info("realtime connected", zap.String("url", c.opts.URL))
			report(nil)
			err = c.serve(ctx, conn)
			c.setConn(nil)
		} else {
			report(err)
		}
		if ctx.Err() != nil {
			return
		}

		if !recon.shouldReconnect() {
			c.logger.Error("realtime reconnect attempts exhausted", zap.Int("attempts", recon.attempt), zap.Error(err))
			c.mu.Lock()
			c.cancel = nil
			c.mu.Unlock()
			cancel()
			c.transition(status.Failed)
			return
		}
		delay := recon.nextDelay()
		c.logger.Warn("realtime connection lost", zap.Error(err), zap.Int("attempt", recon.attempt), zap.Duration("retry_in", delay))
		c.transition(status.Reconnecting)
		c.metrics.Reconnect()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (c *WSChannel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HeartbeatInterval)
	defer cancel()

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// serve reads envelopes until the connection fails or ctx is cancelled.
func (c *WSChannel) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() { _ = conn.CloseNow() }()

	go c.heartbeat(connCtx, conn)

	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			return fmt.Errorf("websocket read: %w", err)
		}
		env, err := Decode(data)
		if err != nil {
			c.metrics.EnvelopeRejected()
			c.logger.Warn("dropping realtime payload", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		c.bus.Publish(bus.Event{Kind: bus.KindEnvelope, Timestamp: time.Now(), Payload: env})
	}
}

func (c *WSChannel) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.HeartbeatInterval)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("realtime heartbeat failed", zap.Error(err))
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *WSChannel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *WSChannel) transition(to status.State) {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("realtime state", zap.Error(err))
	}
}

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(opts Options) *reconnector {
	return &reconnector{
		baseDelay:   opts.ReconnectBaseDelay,
		maxDelay:    opts.ReconnectMaxDelay,
		maxAttempts: opts.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > time.Minute {
		r.attempt = 0
	}
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := rand.Float64() * float64(r.baseDelay) * 0.5
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+jitter,
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}
