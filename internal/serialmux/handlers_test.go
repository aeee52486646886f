package serialmux

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/microstorm/bletrack/internal/localizer"
	"github.com/microstorm/bletrack/internal/particle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"
)

func TestHandleLine(t *testing.T) {
	at := time.Unix(100, 0)
	var got []localizer.Reading
	fn := func(r localizer.Reading) error {
		got = append(got, r)
		return nil
	}

	require.NoError(t, HandleLine("r,3,-70", 1, at, fn))
	require.NoError(t, HandleLine("r,-65", 1, at, fn))
	require.NoError(t, HandleLine("n,1,1", 1, at, fn))
	assert.ErrorIs(t, HandleLine("garbage", 1, at, fn), ErrMalformedLine)

	require.Len(t, got, 2)
	assert.Equal(t, localizer.Reading{AnchorID: 3, RSSI: -70, HasRSSI: true, At: at}, got[0])
	assert.Equal(t, 1, got[1].AnchorID)
	assert.Equal(t, -65.0, got[1].RSSI)
}

func TestHandleLine_PropagatesError(t *testing.T) {
	want := errors.New("rejected")
	err := HandleLine("r,1,-60", 1, time.Now(), func(localizer.Reading) error { return want })
	assert.ErrorIs(t, err, want)
}

func TestForwardReadings(t *testing.T) {
	port := NewTestableSerialPort()
	port.BlockReads = true
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readings := make(chan localizer.Reading, 4)
	done := make(chan error, 1)
	go func() {
		done <- ForwardReadings(ctx, mux, 4, func(r localizer.Reading) error {
			readings <- r
			return nil
		})
	}()
	go mux.Monitor(ctx)

	// wait for the subscription before feeding data
	require.Eventually(t, func() bool {
		mux.subscriberMu.Lock()
		defer mux.subscriberMu.Unlock()
		return len(mux.subscribers) == 1
	}, time.Second, 5*time.Millisecond)

	port.AddReadData([]byte("bogus\nr,-61\nr,2,-75\n"))

	var got []localizer.Reading
	for len(got) < 2 {
		select {
		case r := <-readings:
			got = append(got, r)
		case <-time.After(time.Second):
			t.Fatalf("timed out, got %d readings", len(got))
		}
	}
	assert.Equal(t, 4, got[0].AnchorID)
	assert.Equal(t, 2, got[1].AnchorID)

	cancel()
	port.Close()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPlotterSink(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	res := localizer.EpochResult{
		Seq:      1,
		Estimate: r2.Vec{X: 1.5, Y: 1},
		Particles: []particle.Particle{
			{Position: r2.Vec{X: 0.25, Y: 0.5}},
			{Position: r2.Vec{X: 2, Y: 1.75}},
		},
	}

	PlotterSink{Mux: mux}.HandleEpoch(res)
	assert.Equal(t, "n,1.500,1.000\n", string(port.GetWrittenData()))

	port.Reset()
	PlotterSink{Mux: mux, Particles: true}.HandleEpoch(res)
	lines := strings.Split(strings.TrimSpace(string(port.GetWrittenData())), "\n")
	assert.Equal(t, []string{"n,1.500,1.000", "p,0.250,0.500", "p,2.000,1.750"}, lines)
}
