// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package uplink delivers queued telemetry to the long-term stats
// collector. Each attempt reloads configuration, performs the version 2
// handshake, learns the collector's public key and then drains the
// submission queue over the same connection.
package uplink

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/ltsagent/internal/config"
	"grimm.is/ltsagent/internal/errors"
	"grimm.is/ltsagent/internal/logging"
	"grimm.is/ltsagent/internal/submission"
)

// DefaultInterval is how often the control loop wakes without a QueueReady.
const DefaultInterval = 10 * time.Second

// DefaultIOTimeout bounds every dial, read and write.
const DefaultIOTimeout = 30 * time.Second

var (
	ErrNoLocalLicenseKey = errors.New(errors.KindConfiguration, "no local license key")
	ErrStatsDisabled     = errors.New(errors.KindDisabled, "long-term stats disabled")
	ErrSendFail          = errors.New(errors.KindTransient, "send failed")
	ErrLicenseDenied     = errors.New(errors.KindRejected, "license denied by collector")
	ErrUnexpectedReply   = errors.New(errors.KindProtocol, "unexpected reply from collector")
)

// Message controls the Run loop.
type Message int

const (
	// QueueReady asks for a delivery attempt now.
	QueueReady Message = iota
	// Quit ends the loop.
	Quit
)

// State is where the client is in a delivery attempt.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateHandshakeSent
	StateKeyReceived
	StateSending
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateKeyReceived:
		return "key_received"
	case StateSending:
		return "sending"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Queue is the part of the submission queue the client drains.
type Queue interface {
	Pending(ctx context.Context, limit int) ([]submission.Item, error)
	Ack(ctx context.Context, id int64) error
}

// DialFunc opens the collector connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Client.
type Options struct {
	// Loader is called at the start of every attempt.
	Loader config.Loader
	Queue  Queue
	// Keys defaults to a freshly generated pair.
	Keys     *Keys
	Logger   *logging.Logger
	Dial     DialFunc
	Interval time.Duration
}

// Status is a point-in-time view of the client for the local API.
type Status struct {
	State       string    `json:"state"`
	Attempts    uint64    `json:"attempts"`
	Delivered   uint64    `json:"delivered"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess time.Time `json:"last_success,omitzero"`
}

// Client is the uplink to the collector.
type Client struct {
	loader   config.Loader
	queue    Queue
	keys     *Keys
	logger   *logging.Logger
	dial     DialFunc
	interval time.Duration

	state     atomic.Int32
	attempts  atomic.Uint64
	delivered atomic.Uint64

	mu          sync.Mutex
	lastErr     error
	lastSuccess time.Time
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.Loader == nil || opts.Queue == nil {
		return nil, errors.New(errors.KindInternal, "uplink requires a config loader and a queue")
	}
	if opts.Keys == nil {
		k, err := NewKeys()
		if err != nil {
			return nil, err
		}
		opts.Keys = k
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("uplink")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Client{
		loader:   opts.Loader,
		queue:    opts.Queue,
		keys:     opts.Keys,
		logger:   opts.Logger,
		dial:     opts.Dial,
		interval: opts.Interval,
	}, nil
}

// Keys returns the client's key store.
func (c *Client) Keys() *Keys { return c.keys }

// State returns the current state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// Status reports the client state and delivery counters.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		State:       c.State().String(),
		Attempts:    c.attempts.Load(),
		Delivered:   c.delivered.Load(),
		LastSuccess: c.lastSuccess,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

// Run is the control loop. An attempt is made on QueueReady and whenever
// the interval elapses. Quit, a closed channel or ctx ending stops the
// loop; an attempt already in progress finishes first.
func (c *Client) Run(ctx context.Context, msgs <-chan Message) {
	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok || msg == Quit {
				c.logger.Info("Uplink stopping")
				return
			}
		case <-timer.C:
			select {
			case msg, ok := <-msgs:
				if !ok || msg == Quit {
					c.logger.Info("Uplink stopping")
					return
				}
			default:
			}
		}

		if err := c.Attempt(ctx); err != nil {
			c.logAttempt(err)
		}
		timer.Reset(c.interval)
	}
}

func (c *Client) logAttempt(err error) {
	switch {
	case errors.Is(err, ErrStatsDisabled):
		c.logger.Debug("Long-term stats disabled, not sending")
	case errors.Is(err, ErrNoLocalLicenseKey):
		c.logger.Warn("Long-term stats not configured", "error", err)
	case errors.Is(err, ErrLicenseDenied):
		c.logger.Error("License validation failure", "error", err)
	default:
		c.logger.Error("Stream fail during send, will re-send", "error", err)
	}
}

type session struct {
	nodeID     string
	nodeName   string
	licenseKey string
	collector  string
	ioTimeout  time.Duration
}

// permitted checks local configuration before any network activity.
func (c *Client) permitted() (session, error) {
	cfg, err := c.loader()
	if err != nil {
		return session{}, fmt.Errorf("%w: unable to load config: %w", ErrNoLocalLicenseKey, err)
	}
	if cfg.NodeID == "" {
		return session{}, fmt.Errorf("%w: no node id configured", ErrNoLocalLicenseKey)
	}
	lts := cfg.LongTermStats
	if lts == nil {
		return session{}, fmt.Errorf("%w: long_term_stats block missing", ErrNoLocalLicenseKey)
	}
	if !lts.GatherStats {
		return session{}, ErrStatsDisabled
	}
	if lts.LicenseKey == "" {
		return session{}, fmt.Errorf("%w: no license key configured", ErrNoLocalLicenseKey)
	}

	s := session{
		nodeID:     cfg.NodeID,
		nodeName:   cfg.NodeName,
		licenseKey: lts.LicenseKey,
		collector:  lts.Collector,
		ioTimeout:  config.Duration(lts.IOTimeout, DefaultIOTimeout),
	}
	if s.nodeName == "" {
		s.nodeName = s.nodeID
	}
	if s.collector == "" {
		s.collector = config.DefaultCollector
	}
	return s, nil
}

func sendFail(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSendFail, op, err)
}

// Attempt runs one delivery cycle and always leaves the client Idle.
func (c *Client) Attempt(ctx context.Context) error {
	s, err := c.permitted()
	if err != nil {
		c.setState(StateIdle)
		return err
	}

	c.attempts.Add(1)
	sent, err := c.deliver(ctx, s)
	if sent > 0 {
		c.delivered.Add(uint64(sent))
	}

	c.mu.Lock()
	if err != nil {
		c.setState(StateFailed)
		c.lastErr = err
	} else {
		c.lastErr = nil
		c.lastSuccess = time.Now()
	}
	c.mu.Unlock()

	c.setState(StateIdle)
	return err
}

func (c *Client) deliver(ctx context.Context, s session) (int, error) {
	conn, err := c.connect(ctx, s)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return c.sendQueue(ctx, conn, s.ioTimeout)
}

// connect dials the collector and performs the handshake.
func (c *Client) connect(ctx context.Context, s session) (net.Conn, error) {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.ioTimeout)
	defer cancel()
	dial := c.dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	conn, err := dial(dialCtx, "tcp", s.collector)
	if err != nil {
		return nil, sendFail("connect to "+s.collector, err)
	}

	if err := c.handshake(conn, s); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) handshake(conn net.Conn, s session) error {
	pk, err := encodeKey(c.keys.PublicKey())
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "encode client key")
	}
	hello := Hello{
		NodeID:          s.nodeID,
		LicenseKey:      s.licenseKey,
		NodeName:        s.nodeName,
		ClientPublicKey: pk,
	}

	if err := conn.SetDeadline(time.Now().Add(s.ioTimeout)); err != nil {
		return sendFail("set deadline", err)
	}
	if err := writeHello(conn, hello); err != nil {
		return sendFail("write hello", err)
	}
	c.setState(StateHandshakeSent)

	if err := conn.SetDeadline(time.Now().Add(s.ioTimeout)); err != nil {
		return sendFail("set deadline", err)
	}
	status, raw, err := readStatus(conn)
	if err != nil {
		return sendFail("read handshake reply", err)
	}
	switch status {
	case StatusDenied:
		return ErrLicenseDenied
	case StatusAccepted:
	default:
		return errors.Attr(ErrUnexpectedReply, "status", raw)
	}

	body, err := readFrame(conn, MaxKeySize)
	if err != nil {
		if errors.HasKind(err, errors.KindProtocol) {
			return err
		}
		return sendFail("read server key", err)
	}
	key, err := decodeKey(body)
	if err != nil {
		return err
	}
	c.keys.SetServerKey(key)
	c.setState(StateKeyReceived)
	c.logger.Info("Received server public key", "collector", s.collector, "key", key.String())
	return nil
}

// sendQueue writes every pending item. An item is acknowledged only after
// its frame has been written in full.
func (c *Client) sendQueue(ctx context.Context, conn net.Conn, timeout time.Duration) (int, error) {
	c.setState(StateSending)

	items, err := c.queue.Pending(ctx, 0)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		body, err := encodeSubmission(c.keys, it.Payload)
		if err != nil {
			return sent, err
		}
		if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return sent, errors.Attr(sendFail("set write deadline", err), "remaining", len(items)-sent)
		}
		if err := writeFrame(conn, body); err != nil {
			return sent, errors.Attr(sendFail("write submission", err), "remaining", len(items)-sent)
		}
		if err := c.queue.Ack(ctx, it.ID); err != nil {
			// The item goes out again next time.
			c.logger.Error("Failed to acknowledge submission", "id", it.ID, "error", err)
		}
		sent++
	}
	if sent > 0 {
		c.logger.Info("Sent queued submissions", "count", sent)
	}
	return sent, nil
}
