package portforward

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxBufferedBytes bounds the client bytes queued per port
	DefaultMaxBufferedBytes = 4 << 20
	// ChunkSize is the largest backend read relayed in one data frame
	ChunkSize = 32 << 10
)

// Transport is the message-oriented duplex connection a session runs on.
// ReadMessage returns io.EOF when the peer closed cleanly. WriteMessage is
// never called concurrently.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer connects to a container port of a pod
type Dialer interface {
	DialPod(ctx context.Context, namespace, pod string, port uint16) (net.Conn, error)
}

// Config tunes a session
type Config struct {
	// MaxBufferedBytes bounds the inbound queue of each port
	MaxBufferedBytes int
}

// Session multiplexes the forwarded ports of one pod over one transport.
// Port i uses data stream 2i and error stream 2i+1.
type Session struct {
	transport Transport
	dialer    Dialer
	namespace string
	pod       string
	ports     []*port

	writeMu sync.Mutex
	logger  zerolog.Logger
}

type port struct {
	index   int
	mapping PortMapping
	dataID  byte
	errorID byte
	inbox   *inbox

	mu       sync.Mutex
	conn     net.Conn
	failed   bool
	finished bool
}

// NewSession prepares a session forwarding ports of namespace/pod
func NewSession(t Transport, d Dialer, namespace, pod string, mappings []PortMapping, cfg Config) (*Session, error) {
	if len(mappings) == 0 {
		return nil, errors.New("at least one port is required")
	}
	if len(mappings) > MaxPorts {
		return nil, fmt.Errorf("%d ports requested, at most %d are supported", len(mappings), MaxPorts)
	}
	if cfg.MaxBufferedBytes <= 0 {
		cfg.MaxBufferedBytes = DefaultMaxBufferedBytes
	}

	s := &Session{
		transport: t,
		dialer:    d,
		namespace: namespace,
		pod:       pod,
		logger:    log.WithSession(namespace, pod),
	}
	for i, m := range mappings {
		s.ports = append(s.ports, &port{
			index:   i,
			mapping: m,
			dataID:  DataStreamID(i),
			errorID: ErrorStreamID(i),
			inbox:   newInbox(cfg.MaxBufferedBytes),
		})
	}
	return s, nil
}

// Run performs the handshake and relays until the transport closes, every
// port has closed or ctx is cancelled. On return every backend connection
// and the transport are closed. A clean close by the peer returns nil.
func (s *Session) Run(ctx context.Context) error {
	metrics.PortForwardSessionsActive.Inc()
	defer metrics.PortForwardSessionsActive.Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopClose := context.AfterFunc(ctx, func() { s.transport.Close() })
	defer stopClose()

	if err := s.handshake(); err != nil {
		s.transport.Close()
		return fmt.Errorf("port-forward handshake failed: %w", err)
	}
	s.logger.Info().Int("ports", len(s.ports)).Msg("Port-forward session started")

	g, gctx := errgroup.WithContext(ctx)

	var open sync.WaitGroup
	for _, p := range s.ports {
		open.Add(1)
		g.Go(func() error {
			defer open.Done()
			s.servePort(gctx, p)
			return nil
		})
	}
	g.Go(func() error {
		open.Wait()
		s.logger.Debug().Msg("All ports closed")
		cancel()
		return nil
	})
	g.Go(func() error {
		err := s.readLoop(gctx)
		cancel()
		return err
	})

	err := g.Wait()
	s.transport.Close()
	s.logger.Info().Err(err).Msg("Port-forward session ended")
	return err
}

func (s *Session) handshake() error {
	if err := s.writeRaw(InitFrame()); err != nil {
		return err
	}
	for _, p := range s.ports {
		if err := s.writeRaw(EncodePortDescriptor(p.mapping.Local, p.mapping.Remote)); err != nil {
			return err
		}
	}
	return nil
}

// readLoop decodes inbound frames and routes them to their port
func (s *Session) readLoop(ctx context.Context) error {
	var dec Decoder
	first := true
	for {
		msg, err := s.transport.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("transport read failed: %w", err)
		}
		// Clients may open with their own init frame
		if first && isInitMessage(msg) {
			first = false
			continue
		}
		first = false

		dec.Write(msg)
		for {
			f, ok := dec.Next()
			if !ok {
				break
			}
			s.dispatch(f)
		}
	}
}

func isInitMessage(msg []byte) bool {
	return bytes.Equal(msg, initFrame[:])
}

func (s *Session) dispatch(f Frame) {
	index, isError := StreamPort(f.StreamID)
	if index >= len(s.ports) {
		s.logger.Warn().Uint8("stream", f.StreamID).Msg("Dropping frame for unknown stream")
		return
	}
	p := s.ports[index]

	if err := f.Validate(); err != nil {
		s.fail(p, err)
		return
	}
	if isError {
		// The error stream is server to client only
		s.logger.Debug().Uint8("stream", f.StreamID).Int("bytes", len(f.Payload)).Msg("Ignoring client frame on error stream")
		return
	}

	if f.Flags == FlagFin {
		p.inbox.finish()
		return
	}
	if len(f.Payload) == 0 {
		return
	}
	switch err := p.inbox.push(f.Payload); {
	case errors.Is(err, errInboxOverflow):
		s.fail(p, fmt.Errorf("port %d: inbound buffer exceeded %d bytes", p.mapping.Remote, p.inbox.max))
	case err != nil:
		s.logger.Debug().Uint8("stream", f.StreamID).Msg("Dropping data for closed stream")
	}
}

// servePort dials the backend for p and relays until the backend side ends
func (s *Session) servePort(ctx context.Context, p *port) {
	logger := s.logger.With().Int("port", int(p.mapping.Remote)).Logger()

	conn, err := s.dialer.DialPod(ctx, s.namespace, s.pod, p.mapping.Remote)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Msg("Failed to connect to backend")
		if !errors.Is(err, types.ErrBackendUnavailable) {
			err = fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err)
		}
		s.fail(p, err)
		s.finish(ctx, p)
		return
	}

	p.mu.Lock()
	if p.failed {
		p.mu.Unlock()
		conn.Close()
		s.finish(ctx, p)
		return
	}
	p.conn = conn
	p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.relayToBackend(ctx, p, conn)
	}()

	err = s.relayToClient(p, conn)
	conn.Close()
	p.inbox.close()
	wg.Wait()

	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
		s.fail(p, fmt.Errorf("port %d: %v", p.mapping.Remote, err))
	}
	s.finish(ctx, p)
	logger.Debug().Msg("Port closed")
}

// relayToClient copies backend bytes into data frames
func (s *Session) relayToClient(p *port, conn net.Conn) error {
	buf := make([]byte, ChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			metrics.PortForwardBytesTotal.WithLabelValues("downstream").Add(float64(n))
			if werr := s.writeFrame(DataFrame(p.dataID, buf[:n])); werr != nil {
				return net.ErrClosed
			}
		}
		if err != nil {
			return err
		}
	}
}

// relayToBackend writes queued client bytes to the backend in order. A
// client FIN half-closes the backend's write side.
func (s *Session) relayToBackend(ctx context.Context, p *port, conn net.Conn) {
	for {
		chunk, fin, err := p.inbox.pop(ctx)
		if err != nil {
			return
		}
		if fin {
			if cw, ok := conn.(interface{ CloseWrite() error }); ok {
				if err := cw.CloseWrite(); err != nil {
					s.logger.Debug().Err(err).Msg("Failed to half-close backend")
				}
			}
			return
		}
		if _, err := conn.Write(chunk); err != nil {
			if ctx.Err() == nil {
				s.fail(p, fmt.Errorf("port %d: %v", p.mapping.Remote, err))
			}
			return
		}
		metrics.PortForwardBytesTotal.WithLabelValues("upstream").Add(float64(len(chunk)))
	}
}

// fail reports err on p's error stream once and tears the port down. The
// data stream FIN follows when the port's relay ends.
func (s *Session) fail(p *port, err error) {
	p.mu.Lock()
	if p.failed || p.finished {
		p.mu.Unlock()
		return
	}
	p.failed = true
	conn := p.conn
	p.mu.Unlock()

	s.logger.Warn().Err(err).Int("port", int(p.mapping.Remote)).Msg("Port failed")
	if werr := s.writeFrame(DataFrame(p.errorID, []byte(err.Error()))); werr != nil {
		s.logger.Debug().Err(werr).Msg("Failed to send error frame")
	}
	p.inbox.close()
	if conn != nil {
		conn.Close()
	}
}

// finish sends p's closing FIN once
func (s *Session) finish(ctx context.Context, p *port) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if err := s.writeFrame(FinFrame(p.dataID)); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send close frame")
	}
}

// writeFrame sends f as one transport message, splitting payloads larger
// than a frame can carry.
func (s *Session) writeFrame(f Frame) error {
	for len(f.Payload) > MaxPayload {
		head := Frame{StreamID: f.StreamID, Flags: f.Flags, Payload: f.Payload[:MaxPayload]}
		if err := s.writeFrame(head); err != nil {
			return err
		}
		f.Payload = f.Payload[MaxPayload:]
	}
	data, err := f.Encode()
	if err != nil {
		return err
	}
	return s.writeRaw(data)
}

func (s *Session) writeRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.transport.WriteMessage(data)
}
