package network

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"
)

// Handler receives every valid report.
type Handler interface {
	HandleReport(r Report, from *net.UDPAddr) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(r Report, from *net.UDPAddr) error

// HandleReport calls f(r, from).
func (f HandlerFunc) HandleReport(r Report, from *net.UDPAddr) error { return f(r, from) }

// Listener receives anchor reports over UDP.
type Listener struct {
	address       string
	rcvBuf        int
	logInterval   time.Duration
	stats         PacketStatsInterface
	handler       Handler
	socketFactory UDPSocketFactory
}

// ListenerConfig contains configuration options for the UDP listener
type ListenerConfig struct {
	Address       string
	RcvBuf        int
	LogInterval   time.Duration
	Stats         PacketStatsInterface
	Handler       Handler
	SocketFactory UDPSocketFactory // nil uses net.ListenUDP
}

// NewListener creates a new UDP listener with the provided configuration
func NewListener(config ListenerConfig) *Listener {
	var stats PacketStatsInterface = noopStats{}
	if config.Stats != nil {
		stats = config.Stats
	}

	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}

	var factory UDPSocketFactory = RealUDPSocketFactory{}
	if config.SocketFactory != nil {
		factory = config.SocketFactory
	}

	return &Listener{
		address:       config.Address,
		rcvBuf:        config.RcvBuf,
		logInterval:   logInterval,
		stats:         stats,
		handler:       config.Handler,
		socketFactory: factory,
	}
}

// Start listens until ctx is cancelled. It returns ctx.Err() on shutdown.
func (l *Listener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := l.socketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			log.Printf("Warning: Failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	log.Printf("[network] UDP listener started on %s", conn.LocalAddr())

	go l.startStatsLogging(ctx)

	buffer := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			log.Print("[network] UDP listener stopping due to context cancellation")
			return ctx.Err()
		default:
			// Set read deadline to allow checking context cancellation
			if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
				log.Printf("Warning: failed to set read deadline: %v", err)
			}

			n, from, err := conn.ReadFromUDP(buffer)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if errors.Is(err, net.ErrClosed) {
					return err
				}
				log.Printf("[network] UDP read error: %v", err)
				continue
			}

			if err := l.handlePacket(buffer[:n], from); err != nil {
				log.Printf("[network] Error handling packet from %v: %v", from, err)
			}
		}
	}
}

// startStatsLogging periodically logs packet statistics
func (l *Listener) startStatsLogging(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.stats.LogStats()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

func (l *Listener) handlePacket(packet []byte, from *net.UDPAddr) error {
	l.stats.AddPacket(len(packet))

	r, err := DecodeReport(packet)
	if err != nil {
		l.stats.AddInvalid()
		return err
	}
	if l.handler == nil {
		return nil
	}
	return l.handler.HandleReport(r, from)
}
