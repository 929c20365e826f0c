package vision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/rcrowley/go-metrics"
)

const defaultReadBuffer = 2048

// WithUDPLogger sets the logger for the UDP source
func WithUDPLogger(logger *slog.Logger) func(*UDPSource) {
	return func(s *UDPSource) {
		s.logger = logger.With(slog.String("component", "vision"), slog.String("source", "udp"))
	}
}

// WithUDPMetrics registers the source counters in the registry
func WithUDPMetrics(registry metrics.Registry) func(*UDPSource) {
	return func(s *UDPSource) {
		s.received = metrics.NewRegisteredCounter("vision.received", registry)
		s.invalid = metrics.NewRegisteredCounter("vision.invalid", registry)
	}
}

// UDPSource reads JSON observations, one per datagram
type UDPSource struct {
	conn    net.PacketConn
	handler Handler

	received metrics.Counter
	invalid  metrics.Counter
	logger   *slog.Logger
}

// ListenUDP binds the address and returns a source ready to Run
func ListenUDP(addr string, h Handler, options ...func(*UDPSource)) (*UDPSource, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for observations on %s: %w", addr, err)
	}

	s := UDPSource{
		conn:     conn,
		handler:  h,
		received: metrics.NewCounter(),
		invalid:  metrics.NewCounter(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s, nil
}

// Addr returns the bound address
func (s *UDPSource) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Run reads datagrams until ctx is done. Malformed datagrams are logged and skipped.
func (s *UDPSource) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.Close()
	})
	defer stop()

	s.logger.Info("listening for observations", slog.String("addr", s.conn.LocalAddr().String()))

	buf := make([]byte, defaultReadBuffer)
	for {
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn(fmt.Sprintf("error reading observation: %s", err.Error()))
			continue
		}

		s.received.Inc(1)

		v, err := ParseJSON(buf[:n])
		if err != nil {
			s.invalid.Inc(1)
			s.logger.Warn(err.Error(), slog.String("from", from.String()))
			continue
		}

		s.handler(v)
	}
}

// Close releases the socket
func (s *UDPSource) Close() error {
	return s.conn.Close()
}
