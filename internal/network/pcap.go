package network

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// ReplayPCAP feeds the UDP payloads sent to port in a capture file to
// handler, in capture order. Each report's timestamp is replaced with the
// capture timestamp so the smoothers see the recorded timing.
// It returns the number of reports delivered.
func ReplayPCAP(ctx context.Context, path string, port int, handler Handler, stats PacketStatsInterface) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("failed to read PCAP header %s: %w", path, err)
	}
	if stats == nil {
		stats = noopStats{}
	}

	packets := gopacket.NewPacketSource(r, r.LinkType()).Packets()
	delivered := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("[network] PCAP replay stopping due to context cancellation (%d reports)", delivered)
			return delivered, ctx.Err()
		case packet, ok := <-packets:
			if !ok || packet == nil {
				log.Printf("[network] PCAP replay complete: %d reports", delivered)
				return delivered, nil
			}
			udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
			if !ok || int(udp.DstPort) != port || len(udp.Payload) == 0 {
				continue
			}
			stats.AddPacket(len(udp.Payload))

			report, err := DecodeReport(udp.Payload)
			if err != nil {
				stats.AddInvalid()
				continue
			}
			report.Timestamp = packet.Metadata().Timestamp.UnixNano()

			var from *net.UDPAddr
			if ip, ok := packet.NetworkLayer().(*layers.IPv4); ok {
				from = &net.UDPAddr{IP: ip.SrcIP, Port: int(udp.SrcPort)}
			}
			if handler != nil {
				if err := handler.HandleReport(report, from); err != nil {
					log.Printf("[network] PCAP report from %v: %v", from, err)
				}
			}
			delivered++
		}
	}
}
