package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/microstorm/bletrack/internal/httputil"
	"gonum.org/v1/plot/vg"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// Views serves the rendered particle views.
type Views struct {
	Source Source
	Area   Area
}

// AttachRoutes mounts the views under /monitor/.
func (v *Views) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/monitor/particles.png", v.handlePNG)
	mux.HandleFunc("/monitor/particles", v.handleChart)
}

func (v *Views) handlePNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	res, ok := v.Source.Latest()
	if !ok {
		httputil.NotFound(w, "no estimate yet")
		return
	}

	size := 6 * vg.Inch
	if s := r.URL.Query().Get("inches"); s != "" {
		if n, err := strconv.ParseFloat(s, 64); err == nil && n >= 2 && n <= 20 {
			size = vg.Length(n) * vg.Inch
		}
	}

	var buf bytes.Buffer
	if err := WritePNG(&buf, res, v.Source.Anchors(), v.Area, size, size*vg.Length(v.Area.Y/v.Area.X)); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(buf.Bytes())
}

// handleChart renders an interactive scatter of the latest particle cloud.
func (v *Views) handleChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	res, ok := v.Source.Latest()
	if !ok {
		httputil.NotFound(w, "no estimate yet")
		return
	}

	particles := make([]opts.ScatterData, len(res.Particles))
	for i, p := range res.Particles {
		particles[i] = opts.ScatterData{Value: []interface{}{p.Position.X, p.Position.Y}}
	}
	anchors := v.Source.Anchors()
	anchorData := make([]opts.ScatterData, len(anchors))
	for i, a := range anchors {
		anchorData[i] = opts.ScatterData{Name: fmt.Sprintf("anchor %d", a.ID), Value: []interface{}{a.Position.X, a.Position.Y}}
	}
	estimate := []opts.ScatterData{{Name: "estimate", Value: []interface{}{res.Estimate.X, res.Estimate.Y}}}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Particle cloud", Width: "900px", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Particle cloud", Subtitle: fmt.Sprintf("session=%s epoch=%d n_eff=%.1f", res.Session, res.Seq, res.NEff)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: v.Area.X, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: v.Area.Y, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("particles", particles, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	scatter.AddSeries("anchors", anchorData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
	scatter.AddSeries("estimate", estimate, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 16}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
