package portforward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// memTransport is an in-memory message transport. in carries client to
// server messages, out server to client.
type memTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newMemTransport() *memTransport {
	return &memTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (m *memTransport) ReadMessage() ([]byte, error) {
	select {
	case msg, ok := <-m.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-m.closed:
		return nil, net.ErrClosed
	}
}

func (m *memTransport) WriteMessage(data []byte) error {
	msg := append([]byte(nil), data...)
	select {
	case <-m.closed:
		return net.ErrClosed
	default:
	}
	select {
	case m.out <- msg:
		return nil
	case <-m.closed:
		return net.ErrClosed
	}
}

func (m *memTransport) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

// testClient plays the client side of a session
type testClient struct {
	t    *testing.T
	tr   *memTransport
	dec  Decoder
	data map[byte][]byte
	fin  map[byte]bool
}

func newTestClient(t *testing.T, tr *memTransport) *testClient {
	return &testClient{t: t, tr: tr, data: map[byte][]byte{}, fin: map[byte]bool{}}
}

func (c *testClient) readMessage() []byte {
	c.t.Helper()
	select {
	case msg := <-c.tr.out:
		return msg
	case <-time.After(3 * time.Second):
		c.t.Fatal("timed out waiting for message")
		return nil
	}
}

func (c *testClient) expectHandshake(mappings ...PortMapping) {
	c.t.Helper()
	assert.Equal(c.t, InitFrame(), c.readMessage())
	for _, m := range mappings {
		assert.Equal(c.t, EncodePortDescriptor(m.Local, m.Remote), c.readMessage())
	}
}

func (c *testClient) send(f Frame) {
	c.t.Helper()
	data, err := f.Encode()
	require.NoError(c.t, err)
	c.tr.in <- data
}

func (c *testClient) sendRaw(data []byte) {
	c.tr.in <- data
}

// pump reads frames until cond holds
func (c *testClient) pump(cond func() bool) {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case msg := <-c.tr.out:
			c.dec.Write(msg)
			for {
				f, ok := c.dec.Next()
				if !ok {
					break
				}
				if f.Flags == FlagFin {
					c.fin[f.StreamID] = true
				} else {
					c.data[f.StreamID] = append(c.data[f.StreamID], f.Payload...)
				}
			}
		case <-deadline:
			c.t.Fatalf("timed out; data=%q fin=%v", c.data, c.fin)
		}
	}
}

func (c *testClient) waitData(stream byte, want string) {
	c.t.Helper()
	c.pump(func() bool { return len(c.data[stream]) >= len(want) })
	assert.Equal(c.t, want, string(c.data[stream][:len(want)]))
	c.data[stream] = c.data[stream][len(want):]
}

func (c *testClient) waitFin(stream byte) {
	c.t.Helper()
	c.pump(func() bool { return c.fin[stream] })
}

// backend is a local TCP server standing in for a container port
type backend struct {
	ln      net.Listener
	wg      sync.WaitGroup
	handler func(net.Conn)
}

func startBackend(t *testing.T, handler func(net.Conn)) *backend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	b := &backend{ln: ln, handler: handler}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				defer conn.Close()
				b.handler(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		b.wg.Wait()
	})
	return b
}

func (b *backend) addr() string {
	return b.ln.Addr().String()
}

func echo(conn net.Conn) {
	io.Copy(conn, conn)
}

// fakeDialer routes container ports to local addresses. Ports without a
// route fail with connection refused.
type fakeDialer struct {
	routes map[uint16]string
	gate   map[uint16]chan struct{}
}

func (d *fakeDialer) DialPod(ctx context.Context, namespace, pod string, port uint16) (net.Conn, error) {
	if gate, ok := d.gate[port]; ok {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	addr, ok := d.routes[port]
	if !ok {
		return nil, fmt.Errorf("%w: dial tcp: connection refused", types.ErrBackendUnavailable)
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", addr)
}

func startSession(t *testing.T, d Dialer, cfg Config, mappings ...PortMapping) (*testClient, <-chan error) {
	t.Helper()
	tr := newMemTransport()
	s, err := NewSession(tr, d, "default", "web-0", mappings, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	c := newTestClient(t, tr)
	c.expectHandshake(mappings...)
	return c, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

func TestSessionRelaysBothDirections(t *testing.T) {
	b := startBackend(t, echo)
	d := &fakeDialer{routes: map[uint16]string{80: b.addr()}}
	c, done := startSession(t, d, Config{}, PortMapping{Local: 8080, Remote: 80})

	c.send(DataFrame(0, []byte("hello ")))
	c.send(DataFrame(0, []byte("world")))
	c.waitData(0, "hello world")

	close(c.tr.in)
	assert.NoError(t, waitDone(t, done))
}

func TestFailedPortDoesNotAffectOthers(t *testing.T) {
	b := startBackend(t, echo)
	d := &fakeDialer{routes: map[uint16]string{80: b.addr()}}
	c, done := startSession(t, d, Config{},
		PortMapping{Local: 8080, Remote: 80},
		PortMapping{Local: 8081, Remote: 81},
	)

	// Port 1 cannot connect: error on stream 3, close on stream 2
	c.waitFin(2)
	assert.Contains(t, string(c.data[3]), types.ErrBackendUnavailable.Error())

	// Port 0 keeps relaying
	c.send(DataFrame(0, []byte("still here")))
	c.waitData(0, "still here")
	assert.False(t, c.fin[0])
	assert.Empty(t, c.data[1])

	close(c.tr.in)
	assert.NoError(t, waitDone(t, done))
}

func TestClientFinHalfClosesBackend(t *testing.T) {
	b := startBackend(t, func(conn net.Conn) {
		data, _ := io.ReadAll(conn)
		fmt.Fprintf(conn, "got %d bytes", len(data))
	})
	d := &fakeDialer{routes: map[uint16]string{80: b.addr()}}
	c, done := startSession(t, d, Config{}, PortMapping{Local: 8080, Remote: 80})

	c.send(DataFrame(0, []byte("12345")))
	c.send(FinFrame(0))
	c.waitData(0, "got 5 bytes")
	c.waitFin(0)
	assert.Empty(t, c.data[1], "a clean backend close sends no error")

	// The only port has closed, so the session ends on its own
	assert.NoError(t, waitDone(t, done))
}

func TestBackendCloseSendsFin(t *testing.T) {
	b := startBackend(t, func(conn net.Conn) {
		conn.Write([]byte("bye"))
	})
	d := &fakeDialer{routes: map[uint16]string{80: b.addr()}}
	c, done := startSession(t, d, Config{}, PortMapping{Local: 8080, Remote: 80})

	c.waitData(0, "bye")
	c.waitFin(0)
	assert.NoError(t, waitDone(t, done))
}

func TestInboundOverflowResetsOnlyThatPort(t *testing.T) {
	b := startBackend(t, echo)
	gate := make(chan struct{})
	d := &fakeDialer{
		routes: map[uint16]string{80: b.addr(), 81: b.addr()},
		gate:   map[uint16]chan struct{}{80: gate},
	}
	c, done := startSession(t, d, Config{MaxBufferedBytes: 8},
		PortMapping{Local: 8080, Remote: 80},
		PortMapping{Local: 8081, Remote: 81},
	)

	// Port 0's backend is not connected yet, so its queue fills up
	c.send(DataFrame(0, []byte("0123456789")))
	c.pump(func() bool { return len(c.data[1]) > 0 })
	assert.Contains(t, string(c.data[1]), "inbound buffer exceeded")

	close(gate)
	c.waitFin(0)

	c.send(DataFrame(2, []byte("port one")))
	c.waitData(2, "port one")
	assert.False(t, c.fin[2])

	close(c.tr.in)
	assert.NoError(t, waitDone(t, done))
}

func TestMalformedFrameClosesOnlyThatPort(t *testing.T) {
	b := startBackend(t, echo)
	d := &fakeDialer{routes: map[uint16]string{80: b.addr(), 81: b.addr()}}
	c, done := startSession(t, d, Config{},
		PortMapping{Local: 8080, Remote: 80},
		PortMapping{Local: 8081, Remote: 81},
	)

	// A close frame carrying payload is a protocol error
	c.sendRaw([]byte{0x00, FlagFin, 0x00, 0x02, 'h', 'i'})
	c.waitFin(0)
	assert.Contains(t, string(c.data[1]), types.ErrProtocol.Error())

	// Frames for streams no port owns are dropped
	c.send(DataFrame(42, []byte("nobody")))

	c.send(DataFrame(2, []byte("ok")))
	c.waitData(2, "ok")

	close(c.tr.in)
	assert.NoError(t, waitDone(t, done))
}

func TestClientInitFrameIsIgnored(t *testing.T) {
	b := startBackend(t, echo)
	d := &fakeDialer{routes: map[uint16]string{80: b.addr()}}
	c, done := startSession(t, d, Config{}, PortMapping{Local: 8080, Remote: 80})

	c.sendRaw(InitFrame())
	c.send(DataFrame(0, []byte("ping")))
	c.waitData(0, "ping")

	close(c.tr.in)
	assert.NoError(t, waitDone(t, done))
}

func TestIsInitMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  []byte
		want bool
	}{
		{"init frame", []byte{0x80, 0x01}, true},
		{"other version", []byte{0x80, 0x02}, false},
		{"stream 128 data header", []byte{0x80, 0x00}, false},
		{"trailing bytes", []byte{0x80, 0x01, 0x00}, false},
		{"short", []byte{0x80}, false},
		{"empty", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isInitMessage(tt.msg))
		})
	}
}

func TestTransportFailureEndsSession(t *testing.T) {
	var mu sync.Mutex
	var conns []net.Conn
	b := startBackend(t, func(conn net.Conn) {
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		io.Copy(io.Discard, conn)
	})
	d := &fakeDialer{routes: map[uint16]string{80: b.addr(), 81: b.addr()}}
	c, done := startSession(t, d, Config{},
		PortMapping{Local: 8080, Remote: 80},
		PortMapping{Local: 8081, Remote: 81},
	)

	c.send(DataFrame(0, []byte("x")))
	c.send(DataFrame(2, []byte("y")))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(conns) == 2
	}, 3*time.Second, 10*time.Millisecond)

	// The transport breaks underneath the session
	c.tr.Close()
	err := waitDone(t, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestSessionContextCancel(t *testing.T) {
	b := startBackend(t, echo)
	d := &fakeDialer{routes: map[uint16]string{80: b.addr()}}
	tr := newMemTransport()
	s, err := NewSession(tr, d, "default", "web-0", []PortMapping{{Local: 8080, Remote: 80}}, Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	c := newTestClient(t, tr)
	c.expectHandshake(PortMapping{Local: 8080, Remote: 80})
	c.send(DataFrame(0, []byte("a")))
	c.waitData(0, "a")

	cancel()
	assert.NoError(t, waitDone(t, done))
}

func TestNewSessionValidatesPorts(t *testing.T) {
	_, err := NewSession(newMemTransport(), &fakeDialer{}, "default", "web-0", nil, Config{})
	assert.Error(t, err)

	_, err = NewSession(newMemTransport(), &fakeDialer{}, "default", "web-0", make([]PortMapping, MaxPorts+1), Config{})
	assert.Error(t, err)
}

type podMap map[string]*unstructured.Unstructured

func (m podMap) Get(_ context.Context, kind, namespace, name string) (*unstructured.Unstructured, error) {
	if pod, ok := m[namespace+"/"+name]; ok {
		return pod, nil
	}
	return nil, apierrors.NewNotFound(schema.GroupResource{Resource: kind}, name)
}

func testPod(phase, ip string) *unstructured.Unstructured {
	pod := &unstructured.Unstructured{Object: map[string]interface{}{
		"status": map[string]interface{}{"phase": phase, "podIP": ip},
	}}
	return pod
}

func TestPodDialer(t *testing.T) {
	b := startBackend(t, echo)
	_, portStr, err := net.SplitHostPort(b.addr())
	require.NoError(t, err)
	var port uint16
	_, err = fmt.Sscanf(portStr, "%d", &port)
	require.NoError(t, err)

	d := NewPodDialer(podMap{
		"default/running": testPod(types.PodRunning, "127.0.0.1"),
		"default/pending": testPod(types.PodPending, ""),
		"default/no-ip":   testPod(types.PodRunning, ""),
	}).WithTimeout(time.Second)
	ctx := context.Background()

	conn, err := d.DialPod(ctx, "default", "running", port)
	require.NoError(t, err)
	conn.Close()

	for _, name := range []string{"missing", "pending", "no-ip"} {
		_, err := d.DialPod(ctx, "default", name, port)
		assert.True(t, errors.Is(err, types.ErrBackendUnavailable), name)
	}

	_, err = d.DialPod(ctx, "default", "pending", port)
	assert.True(t, strings.Contains(err.Error(), "Pending"))
}
