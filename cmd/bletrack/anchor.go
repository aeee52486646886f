package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/microstorm/bletrack/internal/config"
	"github.com/microstorm/bletrack/internal/localizer"
	"github.com/microstorm/bletrack/internal/network"
	"github.com/microstorm/bletrack/internal/rssi"
	"github.com/microstorm/bletrack/internal/serialmux"
	"golang.org/x/sync/errgroup"
)

// anchorForwarder smooths the local scanner and forwards distances to the
// host. Readings are attributed to this anchor whatever id the line carries.
type anchorForwarder struct {
	id       int
	x, y     float64
	smoother *rssi.Smoother
	send     func(network.Report) error
}

func newAnchorForwarder(cfg *config.TuningConfig, send func(network.Report) error) *anchorForwarder {
	return &anchorForwarder{
		id:       cfg.GetDeviceID(),
		x:        cfg.GetPositionX(),
		y:        cfg.GetPositionY(),
		smoother: rssi.NewSmoother(rssi.ConfigFromTuning(cfg), nil),
		send:     send,
	}
}

func (a *anchorForwarder) handle(r localizer.Reading) error {
	if !r.HasRSSI {
		return nil
	}
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	d, err := a.smoother.UpdateAt(r.RSSI, at)
	if errors.Is(err, rssi.ErrInvalidTimeDelta) {
		return nil
	}
	if err != nil {
		return err
	}
	return a.send(network.Report{
		Anchor:    a.id,
		X:         a.x,
		Y:         a.y,
		Distance:  d,
		Kind:      network.KindDistance,
		Timestamp: at.UnixNano(),
	})
}

func runAnchor(ctx context.Context, cfg *config.TuningConfig) error {
	mux, err := openSerial(cfg)
	if err != nil {
		return err
	}
	defer mux.Close()

	sender, err := network.NewSender(cfg.GetHostAddr(), &network.PacketStats{}, time.Minute)
	if err != nil {
		return err
	}
	defer sender.Close()

	fwd := newAnchorForwarder(cfg, sender.Send)
	log.Printf("anchor %d at (%.2f, %.2f) reporting to %s", fwd.id, fwd.x, fwd.y, cfg.GetHostAddr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(mux.Monitor(ctx)) })
	g.Go(func() error { return ignoreCanceled(sender.Run(ctx)) })
	g.Go(func() error {
		return ignoreCanceled(serialmux.ForwardReadings(ctx, mux, fwd.id, fwd.handle))
	})
	return g.Wait()
}
