package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/he3lab/rampctl/control"
	"github.com/he3lab/rampctl/gpib"
)

var (
	samplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rampctl_samples_recorded_total",
		Help: "Samples recorded since startup, per instrument.",
	}, []string{"instrument"})

	reading = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rampctl_instrument_reading",
		Help: "Most recent reading, per instrument.",
	}, []string{"instrument"})

	rampStateCode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rampctl_ramp_state",
		Help: "Ramp state code: 0 idle, 1 ramping, 2 holding, 3 paused.",
	}, []string{"instrument"})

	_ = promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "rampctl_gpib_retries_total",
		Help: "Instrument commands that needed a retry.",
	}, func() float64 { return float64(gpib.RetryCount()) })

	_ = promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "rampctl_gpib_failures_total",
		Help: "Instrument commands that failed after all retries.",
	}, func() float64 { return float64(gpib.FailureCount()) })

	_ = promauto.NewCounterFunc(prometheus.CounterOpts{
		Name: "rampctl_programming_mismatches_total",
		Help: "Programmed values the instrument echoed back differently.",
	}, func() float64 { return float64(control.MismatchCount()) })
)

func stateCode(state string) float64 {
	switch state {
	case "ramping":
		return 1
	case "holding":
		return 2
	case "paused":
		return 3
	}
	return 0
}
