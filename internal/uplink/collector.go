// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package uplink

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"grimm.is/ltsagent/internal/errors"
	"grimm.is/ltsagent/internal/logging"
)

// Policy decides whether a node may submit.
type Policy func(Hello) bool

// AcceptAll admits every node.
func AcceptAll(Hello) bool { return true }

// DenyAll refuses every node.
func DenyAll(Hello) bool { return false }

// Received is one decrypted submission.
type Received struct {
	Hello   Hello
	Payload []byte
}

// DefaultMaxConns bounds concurrent collector sessions.
const DefaultMaxConns = 64

// CollectorOptions configures a Collector.
type CollectorOptions struct {
	Policy    Policy
	Handler   func(Received)
	Keys      *KeyPair
	Logger    *logging.Logger
	IOTimeout time.Duration
	// MaxConns caps open sessions. Further connections wait in the
	// listen backlog until a session ends.
	MaxConns int
}

// Collector is the server side of the protocol. The agent ships it for
// the collector simulator and for testing the uplink end to end.
type Collector struct {
	ln      net.Listener
	keys    KeyPair
	policy  Policy
	handler func(Received)
	logger  *logging.Logger
	timeout time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// Listen creates a collector on addr.
func Listen(addr string, opts CollectorOptions) (*Collector, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindConfiguration, "collector listen"), "addr", addr)
	}
	return NewCollector(ln, opts)
}

// NewCollector serves on an existing listener.
func NewCollector(ln net.Listener, opts CollectorOptions) (*Collector, error) {
	var kp KeyPair
	if opts.Keys != nil {
		kp = *opts.Keys
	} else {
		var err error
		if kp, err = GenerateKeyPair(nil); err != nil {
			ln.Close()
			return nil, err
		}
	}
	if opts.Policy == nil {
		opts.Policy = AcceptAll
	}
	if opts.Handler == nil {
		opts.Handler = func(Received) {}
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("collector")
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = DefaultIOTimeout
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}
	return &Collector{
		ln:      netutil.LimitListener(ln, opts.MaxConns),
		keys:    kp,
		policy:  opts.Policy,
		handler: opts.Handler,
		logger:  opts.Logger,
		timeout: opts.IOTimeout,
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Addr returns the listening address.
func (c *Collector) Addr() string { return c.ln.Addr().String() }

// PublicKey returns the collector's public key.
func (c *Collector) PublicKey() PublicKey { return c.keys.Public }

// Serve accepts connections until Close is called or ctx ends.
func (c *Collector) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		conn, err := c.ln.Accept()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return nil
			}
			return errors.Wrap(err, errors.KindTransient, "collector accept")
		}
		if !c.track(conn) {
			conn.Close()
			return nil
		}
		go func() {
			defer c.wg.Done()
			defer c.untrack(conn)
			if err := c.handle(conn); err != nil {
				c.logger.Warn("Collector session ended with error", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func (c *Collector) track(conn net.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.conns[conn] = struct{}{}
	c.wg.Add(1)
	return true
}

func (c *Collector) untrack(conn net.Conn) {
	conn.Close()
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
}

// Close stops the listener, drops open sessions and waits for them.
func (c *Collector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	err := c.ln.Close()
	for conn := range c.conns {
		conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return err
}

func (c *Collector) handle(conn net.Conn) error {
	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return errors.Wrap(err, errors.KindTransient, "set deadline")
	}
	hello, err := readHello(conn)
	if err != nil {
		return err
	}
	clientKey, err := decodeKey(hello.ClientPublicKey)
	if err != nil {
		return err
	}

	if !c.policy(hello) {
		c.logger.Info("Denied node", "node_id", hello.NodeID)
		return writeStatus(conn, 0)
	}
	if err := writeStatus(conn, 1); err != nil {
		return err
	}
	key, err := encodeKey(c.keys.Public)
	if err != nil {
		return err
	}
	if err := writeFrame(conn, key); err != nil {
		return err
	}
	c.logger.Info("Accepted node", "node_id", hello.NodeID, "node_name", hello.NodeName)

	for {
		if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return errors.Wrap(err, errors.KindTransient, "set deadline")
		}
		body, err := readFrame(conn, MaxFrameSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		payload, err := decodeSubmission(c.keys, clientKey, body)
		if err != nil {
			return err
		}
		c.handler(Received{Hello: hello, Payload: payload})
	}
}
