// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package uplink

import (
	"context"
	"encoding/binary"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ltsagent/internal/config"
	"grimm.is/ltsagent/internal/errors"
	"grimm.is/ltsagent/internal/submission"
)

func TestAttempt_Preconditions(t *testing.T) {
	tests := []struct {
		name   string
		loader config.Loader
		want   error
		kind   errors.Kind
	}{
		{
			name:   "config fails to load",
			loader: func() (*config.Config, error) { return nil, errors.New(errors.KindConfiguration, "boom") },
			want:   ErrNoLocalLicenseKey,
			kind:   errors.KindConfiguration,
		},
		{
			name: "no node id",
			loader: func() (*config.Config, error) {
				c := ltsConfig("x")
				c.NodeID = ""
				return c, nil
			},
			want: ErrNoLocalLicenseKey,
			kind: errors.KindConfiguration,
		},
		{
			name: "no long term stats block",
			loader: func() (*config.Config, error) {
				c := ltsConfig("x")
				c.LongTermStats = nil
				return c, nil
			},
			want: ErrNoLocalLicenseKey,
			kind: errors.KindConfiguration,
		},
		{
			name: "stats disabled",
			loader: func() (*config.Config, error) {
				c := ltsConfig("x")
				c.LongTermStats.GatherStats = false
				return c, nil
			},
			want: ErrStatsDisabled,
			kind: errors.KindDisabled,
		},
		{
			name: "no license key",
			loader: func() (*config.Config, error) {
				c := ltsConfig("x")
				c.LongTermStats.LicenseKey = ""
				return c, nil
			},
			want: ErrNoLocalLicenseKey,
			kind: errors.KindConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dials atomic.Int32
			dial := func(context.Context, string, string) (net.Conn, error) {
				dials.Add(1)
				return nil, errors.New(errors.KindTransient, "unreachable")
			}
			q := &memQueue{}
			q.add("a")
			c := newTestClient(t, tt.loader, q, dial)

			err := c.Attempt(context.Background())
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.kind, errors.GetKind(err))
			assert.False(t, errors.IsRetryable(err))
			assert.Zero(t, dials.Load(), "no network activity")
			assert.Zero(t, q.pendingCalls)
			assert.Equal(t, StateIdle, c.State())
		})
	}
}

func TestAttempt_Delivers(t *testing.T) {
	coll, got := startCollector(t, AcceptAll)
	q := &memQueue{}
	q.add("one", "two", "three")
	c := newTestClient(t, config.StaticLoader(ltsConfig(coll.Addr())), q, nil)

	require.NoError(t, c.Attempt(context.Background()))
	assert.Empty(t, q.ids())

	key, ok := c.Keys().ServerKey()
	require.True(t, ok)
	assert.Equal(t, coll.PublicKey(), key)

	require.Eventually(t, func() bool { return len(got.payloads()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"one", "two", "three"}, got.payloads())

	got.mu.Lock()
	hello := got.received[0].Hello
	got.mu.Unlock()
	assert.Equal(t, "node-1", hello.NodeID)
	assert.Equal(t, "Node One", hello.NodeName)
	assert.Equal(t, "license-abc", hello.LicenseKey)

	st := c.Status()
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, uint64(3), st.Delivered)
	assert.Empty(t, st.LastError)
	assert.False(t, st.LastSuccess.IsZero())
}

func TestAttempt_NodeNameDefaultsToNodeID(t *testing.T) {
	coll, got := startCollector(t, AcceptAll)
	q := &memQueue{}
	q.add("x")
	cfg := ltsConfig(coll.Addr())
	cfg.NodeName = ""
	c := newTestClient(t, config.StaticLoader(cfg), q, nil)

	require.NoError(t, c.Attempt(context.Background()))
	require.Eventually(t, func() bool { return len(got.payloads()) == 1 }, 2*time.Second, 5*time.Millisecond)
	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, "node-1", got.received[0].Hello.NodeName)
}

func TestAttempt_DeniedNeverDrains(t *testing.T) {
	coll, got := startCollector(t, DenyAll)
	q := &memQueue{}
	q.add("a", "b")
	c := newTestClient(t, config.StaticLoader(ltsConfig(coll.Addr())), q, nil)

	err := c.Attempt(context.Background())
	assert.ErrorIs(t, err, ErrLicenseDenied)
	assert.Equal(t, errors.KindRejected, errors.GetKind(err))

	assert.Zero(t, q.pendingCalls, "queue never read")
	assert.Equal(t, []int64{1, 2}, q.ids())
	assert.Empty(t, got.payloads())
	_, ok := c.Keys().ServerKey()
	assert.False(t, ok)
	assert.Equal(t, StateIdle, c.State())
	assert.Contains(t, c.Status().LastError, "denied")
}

// scriptedServer accepts one connection, reads the hello and then runs reply.
func scriptedServer(t *testing.T, reply func(conn net.Conn, hello Hello)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		hello, err := readHello(conn)
		if err != nil {
			return
		}
		reply(conn, hello)
	}()
	return ln.Addr().String()
}

func TestHandshake_ReadsExactlyKeyLength(t *testing.T) {
	server, err := GenerateKeyPair(nil)
	require.NoError(t, err)
	delivered := make(chan []byte, 1)

	addr := scriptedServer(t, func(conn net.Conn, hello Hello) {
		key, _ := encodeKey(server.Public)
		// Status, key frame and the start of unrelated data in one segment.
		buf := binary.BigEndian.AppendUint16(nil, 1)
		buf = appendFrame(buf, key)
		buf = append(buf, 0xde, 0xad)
		if _, err := conn.Write(buf); err != nil {
			return
		}
		clientKey, err := decodeKey(hello.ClientPublicKey)
		if err != nil {
			return
		}
		body, err := readFrame(conn, MaxFrameSize)
		if err != nil {
			return
		}
		payload, err := decodeSubmission(server, clientKey, body)
		if err != nil {
			return
		}
		delivered <- payload
	})

	q := &memQueue{}
	q.add("payload")
	c := newTestClient(t, config.StaticLoader(ltsConfig(addr)), q, nil)

	require.NoError(t, c.Attempt(context.Background()))
	got, _ := c.Keys().ServerKey()
	assert.Equal(t, server.Public, got)

	select {
	case p := <-delivered:
		assert.Equal(t, "payload", string(p))
	case <-time.After(5 * time.Second):
		t.Fatal("server never decoded the submission")
	}
}

func TestHandshake_OversizedKeyRejected(t *testing.T) {
	addr := scriptedServer(t, func(conn net.Conn, _ Hello) {
		buf := binary.BigEndian.AppendUint16(nil, 1)
		buf = binary.BigEndian.AppendUint64(buf, MaxKeySize+1)
		conn.Write(buf)
		time.Sleep(100 * time.Millisecond)
	})
	q := &memQueue{}
	q.add("a")
	c := newTestClient(t, config.StaticLoader(ltsConfig(addr)), q, nil)

	err := c.Attempt(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocol, errors.GetKind(err))
	assert.Zero(t, q.pendingCalls)
}

func TestHandshake_UnknownStatus(t *testing.T) {
	addr := scriptedServer(t, func(conn net.Conn, _ Hello) {
		conn.Write(binary.BigEndian.AppendUint16(nil, 7))
		time.Sleep(100 * time.Millisecond)
	})
	q := &memQueue{}
	q.add("a")
	c := newTestClient(t, config.StaticLoader(ltsConfig(addr)), q, nil)

	err := c.Attempt(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedReply)
	assert.Equal(t, uint16(7), errors.GetAttributes(err)["status"])
	assert.Zero(t, q.pendingCalls)
}

func TestAtLeastOnce_UnreachableCollector(t *testing.T) {
	ctx := context.Background()
	q, err := submission.OpenDir(t.TempDir(), submission.Options{})
	require.NoError(t, err)
	defer q.Close()
	_, err = q.Enqueue(ctx, []byte("first"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, []byte("second"))
	require.NoError(t, err)

	// Reserve an address nobody listens on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()

	var target atomic.Value
	target.Store(dead)
	loader := func() (*config.Config, error) {
		return ltsConfig(target.Load().(string)), nil
	}
	c := newTestClient(t, loader, q, nil)

	err = c.Attempt(ctx)
	assert.ErrorIs(t, err, ErrSendFail)
	assert.True(t, errors.IsRetryable(err))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	coll, got := startCollector(t, AcceptAll)
	target.Store(coll.Addr())
	require.NoError(t, c.Attempt(ctx))

	require.Eventually(t, func() bool { return len(got.payloads()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, got.payloads())
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAtLeastOnce_DisconnectMidStream(t *testing.T) {
	server, err := GenerateKeyPair(nil)
	require.NoError(t, err)

	dial := func(context.Context, string, string) (net.Conn, error) {
		client, srv := net.Pipe()
		go func() {
			defer srv.Close()
			if _, err := readHello(srv); err != nil {
				return
			}
			key, _ := encodeKey(server.Public)
			if err := writeStatus(srv, 1); err != nil {
				return
			}
			if err := writeFrame(srv, key); err != nil {
				return
			}
			// Take one submission, then drop the connection.
			readFrame(srv, MaxFrameSize)
		}()
		return client, nil
	}

	q := &memQueue{}
	q.add("a", "b", "c")
	c := newTestClient(t, config.StaticLoader(ltsConfig("pipe")), q, dial)

	err = c.Attempt(context.Background())
	assert.ErrorIs(t, err, ErrSendFail)
	assert.Equal(t, []int64{2, 3}, q.ids(), "only the written item is acknowledged")
	assert.Equal(t, uint64(1), c.Status().Delivered)

	coll, got := startCollector(t, AcceptAll)
	c.dial = nil
	c.loader = config.StaticLoader(ltsConfig(coll.Addr()))
	require.NoError(t, c.Attempt(context.Background()))
	require.Eventually(t, func() bool { return len(got.payloads()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"b", "c"}, got.payloads())
	assert.Empty(t, q.ids())
}

func TestRun_QueueReadyThenQuit(t *testing.T) {
	coll, got := startCollector(t, AcceptAll)
	q := &memQueue{}
	q.add("ready")
	c := newTestClient(t, config.StaticLoader(ltsConfig(coll.Addr())), q, nil)
	c.interval = time.Hour

	msgs := make(chan Message, 1)
	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), msgs)
		close(done)
	}()

	msgs <- QueueReady
	require.Eventually(t, func() bool { return len(got.payloads()) == 1 }, 2*time.Second, 5*time.Millisecond)

	msgs <- Quit
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on Quit")
	}
}

func TestRun_TimerWakes(t *testing.T) {
	coll, got := startCollector(t, AcceptAll)
	q := &memQueue{}
	q.add("tick")
	c := newTestClient(t, config.StaticLoader(ltsConfig(coll.Addr())), q, nil)
	c.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, make(chan Message))
		close(done)
	}()

	require.Eventually(t, func() bool { return len(got.payloads()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

// deadlineConn fails deadline calls on an otherwise working connection.
type deadlineConn struct {
	net.Conn
	failAll   bool
	failWrite bool
}

var errNoDeadline = errors.New(errors.KindInternal, "deadline not supported")

func (c *deadlineConn) SetDeadline(t time.Time) error {
	if c.failAll {
		return errNoDeadline
	}
	return c.Conn.SetDeadline(t)
}

func (c *deadlineConn) SetWriteDeadline(t time.Time) error {
	if c.failAll || c.failWrite {
		return errNoDeadline
	}
	return c.Conn.SetWriteDeadline(t)
}

func deadlineDialer(failAll, failWrite bool) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &deadlineConn{Conn: conn, failAll: failAll, failWrite: failWrite}, nil
	}
}

func TestAttempt_HandshakeDeadlineError(t *testing.T) {
	coll, got := startCollector(t, AcceptAll)
	q := &memQueue{}
	q.add("a", "b")
	c := newTestClient(t, config.StaticLoader(ltsConfig(coll.Addr())), q, deadlineDialer(true, false))

	err := c.Attempt(context.Background())
	require.ErrorIs(t, err, ErrSendFail)
	assert.ErrorIs(t, err, errNoDeadline)
	assert.Contains(t, err.Error(), "set deadline")

	assert.Zero(t, q.pendingCalls, "queue never read")
	assert.Equal(t, []int64{1, 2}, q.ids())
	assert.Empty(t, got.payloads())
	assert.Equal(t, StateIdle, c.State())
}

func TestAttempt_WriteDeadlineError(t *testing.T) {
	coll, got := startCollector(t, AcceptAll)
	q := &memQueue{}
	q.add("a", "b")
	c := newTestClient(t, config.StaticLoader(ltsConfig(coll.Addr())), q, deadlineDialer(false, true))

	err := c.Attempt(context.Background())
	require.ErrorIs(t, err, ErrSendFail)
	assert.Contains(t, err.Error(), "set write deadline")

	_, ok := c.Keys().ServerKey()
	assert.True(t, ok, "handshake completed")
	assert.Equal(t, []int64{1, 2}, q.ids(), "nothing acknowledged")
	assert.Equal(t, 2, errors.GetAttributes(err)["remaining"])
	assert.Empty(t, got.payloads())
}
