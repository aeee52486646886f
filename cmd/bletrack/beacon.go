package main

import (
	"context"
	"log"
	"time"

	"github.com/microstorm/bletrack/internal/config"
	"github.com/microstorm/bletrack/internal/network"
	"github.com/microstorm/bletrack/internal/rssi"
	"github.com/microstorm/bletrack/internal/sampling"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r2"
)

// beacon simulates a node at a fixed position: every tick it sends the RSSI
// each anchor would measure, with Gaussian noise, straight to the host.
type beacon struct {
	pos     r2.Vec
	anchors []config.AnchorConfig
	tx, n   float64
	noise   float64
	sampler *sampling.Sampler
	send    func(network.Report) error
}

func newBeacon(cfg *config.TuningConfig, send func(network.Report) error) *beacon {
	sampler := sampling.NewEntropySampler()
	if s := cfg.GetSeed(); s != 0 {
		sampler = sampling.NewSampler(s)
	}
	return &beacon{
		pos:     r2.Vec{X: cfg.GetPositionX(), Y: cfg.GetPositionY()},
		anchors: cfg.GetAnchors(),
		tx:      cfg.GetTxPowerOneMeter(),
		n:       cfg.GetEnvironmentFactor(),
		noise:   cfg.GetBeaconNoiseDB(),
		sampler: sampler,
		send:    send,
	}
}

func (b *beacon) emit(at time.Time) error {
	for _, a := range b.anchors {
		d := r2.Norm(r2.Sub(b.pos, r2.Vec{X: a.X, Y: a.Y}))
		level := rssi.RSSIAt(d, b.tx, b.n)
		if b.noise > 0 {
			level += b.sampler.SampleGaussian(0, b.noise)
		}
		if err := b.send(network.Report{
			Anchor:    a.ID,
			X:         a.X,
			Y:         a.Y,
			RSSI:      level,
			Kind:      network.KindRSSI,
			Timestamp: at.UnixNano(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func runBeacon(ctx context.Context, cfg *config.TuningConfig) error {
	sender, err := network.NewSender(cfg.GetHostAddr(), &network.PacketStats{}, time.Minute)
	if err != nil {
		return err
	}
	defer sender.Close()

	b := newBeacon(cfg, sender.Send)
	interval := cfg.GetBeaconInterval()
	log.Printf("beacon at (%.2f, %.2f) sending to %s every %s", b.pos.X, b.pos.Y, cfg.GetHostAddr(), interval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(sender.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(b.run(ctx, interval)) })
	return g.Wait()
}

// run emits one round of reports per tick until ctx is done.
func (b *beacon) run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if err := b.emit(now); err != nil {
				log.Printf("beacon: %v", err)
			}
		}
	}
}
