package serialmux

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/spatial/r2"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		in      string
		want    Line
		wantErr bool
	}{
		{in: "r,2,-67.5", want: Line{Kind: LineRSSI, Anchor: 2, RSSI: -67.5}},
		{in: "r,-60\r\n", want: Line{Kind: LineRSSI, RSSI: -60}},
		{in: " r , 3 , -71 ", want: Line{Kind: LineRSSI, Anchor: 3, RSSI: -71}},
		{in: "n,1.500,0.750", want: Line{Kind: LineEstimate, Position: r2.Vec{X: 1.5, Y: 0.75}}},
		{in: "p,0,2", want: Line{Kind: LineParticle, Position: r2.Vec{X: 0, Y: 2}}},
		{in: "", wantErr: true},
		{in: "r", wantErr: true},
		{in: "r,1,2,3", wantErr: true},
		{in: "r,x,-60", wantErr: true},
		{in: "r,0,-60", wantErr: true},
		{in: "r,1,loud", wantErr: true},
		{in: "n,1", wantErr: true},
		{in: "p,a,b", wantErr: true},
		{in: "q,1,2", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ParseLine(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrMalformedLine) {
				t.Errorf("ParseLine(%q) error = %v, want ErrMalformedLine", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseLine(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseLine(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestFormatRoundTrip(t *testing.T) {
	p := r2.Vec{X: 1.23456, Y: 0.5}
	if got := FormatEstimate(p); got != "n,1.235,0.500" {
		t.Errorf("FormatEstimate = %q", got)
	}
	l, err := ParseLine(FormatParticle(p))
	if err != nil {
		t.Fatal(err)
	}
	if l.Kind != LineParticle || l.Position.Y != 0.5 {
		t.Errorf("unexpected line %+v", l)
	}
}
