package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/microstorm/bletrack/internal/api"
	"github.com/microstorm/bletrack/internal/config"
	"github.com/microstorm/bletrack/internal/db"
	"github.com/microstorm/bletrack/internal/health"
	"github.com/microstorm/bletrack/internal/localizer"
	"github.com/microstorm/bletrack/internal/monitor"
	"github.com/microstorm/bletrack/internal/network"
	"github.com/microstorm/bletrack/internal/serialmux"
	"golang.org/x/sync/errgroup"
)

// readingRecorder feeds readings to the localizer and stores each accepted
// reading with the distance the filter will see. Readings the smoother
// skipped are not stored.
type readingRecorder struct {
	loc     *localizer.Localizer
	store   *db.DB
	session string
}

func (rr readingRecorder) handle(r localizer.Reading) error {
	o, err := rr.loc.Ingest(r)
	if err != nil {
		return err
	}
	if rr.store == nil || !o.Stored {
		return nil
	}

	var rssi *float64
	if r.HasRSSI {
		v := r.RSSI
		rssi = &v
	}
	if err := rr.store.RecordReading(rr.session, r.AnchorID, rssi, o.Distance, o.At); err != nil {
		log.Printf("[db] failed to record reading from anchor %d: %v", r.AnchorID, err)
	}
	return nil
}

func runHost(ctx context.Context, cfg *config.TuningConfig) error {
	mux, err := openSerial(cfg)
	if err != nil {
		return err
	}
	defer mux.Close()

	var store *db.DB
	session := uuid.NewString()
	if path := cfg.GetDBPath(); path != "" {
		store, err = db.NewDB(path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()
		s, err := store.StartSession(cfg.GetRole().String(), cfg, time.Now())
		if err != nil {
			return err
		}
		session = s.ID
	}
	log.Printf("session %s", session)

	loc, err := localizer.New(localizer.ConfigFromTuning(cfg, session))
	if err != nil {
		return err
	}

	hub := monitor.NewHub()
	defer hub.Close()
	hs := health.NewServer(*staleAfter, nil)

	loc.AddSink(hub)
	loc.AddSink(hs)
	loc.AddSink(serialmux.PlotterSink{Mux: mux, Particles: *particles})
	if store != nil {
		loc.AddSink(db.EpochSink{DB: store})
	}
	if *plotDir != "" {
		loc.AddSink(&monitor.PlotWriter{
			Dir:     *plotDir,
			Every:   *plotEvery,
			Anchors: loc.Anchors(),
			Area:    monitor.Area{X: cfg.GetAreaX(), Y: cfg.GetAreaY()},
		})
	}

	rec := readingRecorder{loc: loc, store: store, session: session}
	reportHandler := network.HandlerFunc(func(r network.Report, _ *net.UDPAddr) error {
		return rec.handle(r.Reading())
	})

	g, ctx := errgroup.WithContext(ctx)

	// serial IO and the host's own scanner
	g.Go(func() error { return ignoreCanceled(mux.Monitor(ctx)) })
	g.Go(func() error {
		return ignoreCanceled(serialmux.ForwardReadings(ctx, mux, cfg.GetDeviceID(), rec.handle))
	})

	stats := &network.PacketStats{}
	listener := network.NewListener(network.ListenerConfig{
		Address: cfg.GetUDPListen(),
		Stats:   stats,
		Handler: reportHandler,
	})
	g.Go(func() error { return ignoreCanceled(listener.Start(ctx)) })

	if *replayPCAP != "" {
		g.Go(func() error {
			n, err := network.ReplayPCAP(ctx, *replayPCAP, *replayPort, reportHandler, stats)
			if err != nil {
				return ignoreCanceled(fmt.Errorf("replaying %s: %w", *replayPCAP, err))
			}
			log.Printf("replayed %d reports from %s", n, *replayPCAP)
			return nil
		})
	}

	if addr := cfg.GetGRPCListen(); addr != "" {
		g.Go(func() error { return hs.ListenAndServe(ctx, addr) })
	}

	if addr := cfg.GetHTTPListen(); addr != "" {
		httpMux := http.NewServeMux()
		// admin debugging routes, reachable only from localhost or over Tailscale
		mux.AttachAdminRoutes(httpMux)
		if store != nil {
			if err := store.AttachAdminRoutes(httpMux); err != nil {
				return err
			}
		}
		httpMux.Handle("/", api.NewServer(loc, mux, store, cfg, hub).ServeMux())

		server := &http.Server{Addr: addr, Handler: api.LoggingMiddleware(httpMux)}
		g.Go(func() error { return serveHTTP(ctx, server) })
	}

	err = g.Wait()
	st := loc.Stats()
	log.Printf("host stopped after %d epochs (%d dropped, %d resamples)", st.EpochsRun, st.EpochsDropped, st.Resamples)
	return err
}
