// Package metrics holds the Prometheus collectors shared by the protocol,
// registry and ramp layers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "thermalctl"

var (
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Logical commands dispatched to devices.",
	}, []string{"dialect", "op"})

	CommandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "command_errors_total",
		Help:      "Logical commands that returned an error.",
	}, []string{"dialect", "op"})

	ResponseRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "response_retries_total",
		Help:      "Extra reads issued while waiting for the device prompt.",
	}, []string{"dialect"})

	UnterminatedResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unterminated_responses_total",
		Help:      "ASCII responses still missing the prompt after all retries.",
	}, []string{"dialect"})

	SensorRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sensor_retries_total",
		Help:      "Temperature reads repeated because the value was implausible.",
	})

	Incidents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "incidents_total",
		Help:      "Fallback procedures executed.",
	})

	RampSteps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ramp_steps_total",
		Help:      "Set-point commands issued by ramps, staged and final.",
	})

	Ramps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ramps_total",
		Help:      "Completed ramps by outcome.",
	}, []string{"outcome"})

	Devices = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "devices",
		Help:      "Registered devices by dialect.",
	}, []string{"dialect"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
