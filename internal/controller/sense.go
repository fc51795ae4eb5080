package controller

import (
	"context"
	"fmt"

	"casunet/internal/io"
)

// irCountChannels is how many IR channels are counted; the last one is not
// used.
const irCountChannels = 6

const (
	minPlausibleTemp = 2.0
	maxPlausibleTemp = 50.0
	// NoRingTemp is reported when no ring probe gives a plausible reading.
	NoRingTemp = -1.0
)

// IRCount is the fraction of counted IR channels above their threshold,
// normalised by maxSensors.
func IRCount(ir, thresholds [io.IRChannels]float64, maxSensors float64) float64 {
	count := 0
	for i := 0; i < irCountChannels; i++ {
		if ir[i] > thresholds[i] {
			count++
		}
	}
	return float64(count) / maxSensors
}

// RingReading holds the ring probe temperatures in io.RingProbes order.
type RingReading struct {
	Probes [4]float64
}

// Estimate averages the plausible probes, or returns NoRingTemp.
func (r RingReading) Estimate() float64 {
	var sum float64
	n := 0
	for _, t := range r.Probes {
		if t > minPlausibleTemp && t < maxPlausibleTemp {
			sum += t
			n++
		}
	}
	if n == 0 {
		return NoRingTemp
	}
	return sum / float64(n)
}

func readRing(ctx context.Context, sensors io.Sensors) (RingReading, error) {
	var r RingReading
	for i, probe := range io.RingProbes {
		t, err := sensors.ReadTemp(ctx, probe)
		if err != nil {
			return RingReading{}, fmt.Errorf("read %s probe: %w", probe, err)
		}
		r.Probes[i] = t
	}
	return r, nil
}
