package monitor

import (
	"fmt"
	"image/color"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/microstorm/bletrack/internal/localizer"
	"github.com/microstorm/bletrack/internal/security"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

var (
	particleColor = color.RGBA{R: 70, G: 130, B: 180, A: 160}
	estimateColor = color.RGBA{R: 220, G: 20, B: 60, A: 255}
	anchorColor   = color.RGBA{R: 34, G: 139, B: 34, A: 255}
)

// NewScatterPlot draws the particle cloud, the estimate and the anchors of
// one epoch over the tracked area.
func NewScatterPlot(r localizer.EpochResult, anchors []localizer.Anchor, area Area) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("epoch %d  n_eff %.1f", r.Seq, r.NEff)
	p.X.Label.Text = "x (m)"
	p.Y.Label.Text = "y (m)"
	p.X.Min, p.X.Max = 0, area.X
	p.Y.Min, p.Y.Max = 0, area.Y
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(r.Particles))
	for i, pt := range r.Particles {
		pts[i].X = pt.Position.X
		pts[i].Y = pt.Position.Y
	}
	if len(pts) > 0 {
		s, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, err
		}
		s.GlyphStyle.Color = particleColor
		s.GlyphStyle.Radius = vg.Points(1)
		p.Add(s)
		p.Legend.Add("particles", s)
	}

	if len(anchors) > 0 {
		apts := make(plotter.XYs, len(anchors))
		for i, a := range anchors {
			apts[i].X = a.Position.X
			apts[i].Y = a.Position.Y
		}
		s, err := plotter.NewScatter(apts)
		if err != nil {
			return nil, err
		}
		s.GlyphStyle.Color = anchorColor
		s.GlyphStyle.Shape = draw.BoxGlyph{}
		s.GlyphStyle.Radius = vg.Points(4)
		p.Add(s)
		p.Legend.Add("anchors", s)
	}

	est, err := plotter.NewScatter(plotter.XYs{{X: r.Estimate.X, Y: r.Estimate.Y}})
	if err != nil {
		return nil, err
	}
	est.GlyphStyle.Color = estimateColor
	est.GlyphStyle.Shape = draw.CrossGlyph{}
	est.GlyphStyle.Radius = vg.Points(5)
	p.Add(est)
	p.Legend.Add("estimate", est)
	p.Legend.Top = true

	return p, nil
}

// WritePNG renders the epoch as a PNG of the given size.
func WritePNG(w io.Writer, r localizer.EpochResult, anchors []localizer.Anchor, area Area, width, height vg.Length) error {
	p, err := NewScatterPlot(r, anchors, area)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// PlotWriter saves every Every'th epoch as a PNG file in Dir, named after
// the session and epoch number.
type PlotWriter struct {
	Dir     string
	Every   uint64
	Anchors []localizer.Anchor
	Area    Area

	busy atomic.Bool
}

func (pw *PlotWriter) HandleEpoch(r localizer.EpochResult) {
	every := pw.Every
	if every == 0 {
		every = 1
	}
	if r.Seq%every != 0 {
		return
	}
	// rendering is slow; skip rather than queue behind a previous render
	if !pw.busy.CompareAndSwap(false, true) {
		return
	}
	defer pw.busy.Store(false)

	if err := pw.save(r); err != nil {
		log.Printf("[monitor] failed to save plot for epoch %d: %v", r.Seq, err)
	}
}

func (pw *PlotWriter) save(r localizer.EpochResult) error {
	if err := os.MkdirAll(pw.Dir, 0o755); err != nil {
		return err
	}
	p, err := NewScatterPlot(r, pw.Anchors, pw.Area)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_epoch_%06d.png", security.SanitizeFilename(r.Session), r.Seq)
	path := filepath.Join(pw.Dir, name)
	if err := security.WithinDir(path, pw.Dir); err != nil {
		return err
	}
	return p.Save(4*vg.Inch, 4*vg.Inch, path)
}
