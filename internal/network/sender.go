package network

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"
)

// Sender publishes reports to the host. Send never blocks; reports are
// dropped when the queue is full since a newer one follows shortly.
type Sender struct {
	conn        *net.UDPConn
	channel     chan []byte
	stats       PacketStatsInterface
	logInterval time.Duration
	address     string
}

// NewSender dials the host address.
func NewSender(address string, stats PacketStatsInterface, logInterval time.Duration) (*Sender, error) {
	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve host address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create host connection: %w", err)
	}
	if stats == nil {
		stats = noopStats{}
	}
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &Sender{
		conn:        conn,
		channel:     make(chan []byte, 256),
		stats:       stats,
		logInterval: logInterval,
		address:     address,
	}, nil
}

// Run writes queued reports until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	log.Printf("[network] Sending reports to %s", s.address)

	failed := 0
	var lastErr error
	ticker := time.NewTicker(s.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet := <-s.channel:
			if _, err := s.conn.Write(packet); err != nil {
				failed++
				lastErr = err
				continue
			}
			s.stats.AddPacket(len(packet))
		case <-ticker.C:
			if failed > 0 {
				log.Printf("[network] Failed to send %d reports (latest: %v)", failed, lastErr)
				failed, lastErr = 0, nil
			}
		}
	}
}

// Send queues a report.
func (s *Sender) Send(r Report) error {
	data, err := r.Encode()
	if err != nil {
		return err
	}
	select {
	case s.channel <- data:
	default:
		s.stats.AddDropped()
	}
	return nil
}

// Close closes the connection.
func (s *Sender) Close() error {
	return s.conn.Close()
}
