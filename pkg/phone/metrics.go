package phone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики ядра. Регистрируются в DefaultRegisterer при импорте пакета.
var (
	connectionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webphone",
		Subsystem: "connection",
		Name:      "state_transitions_total",
		Help:      "Number of connection state transitions by target state",
	}, []string{"state"})

	registrationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "webphone",
		Subsystem: "connection",
		Name:      "registration_failures_total",
		Help:      "Number of failed registration attempts",
	})

	callsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webphone",
		Subsystem: "call",
		Name:      "started_total",
		Help:      "Number of call sessions started by direction",
	}, []string{"direction"})

	callsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "webphone",
		Subsystem: "call",
		Name:      "failed_total",
		Help:      "Number of call sessions ended in failure",
	})

	callsRejectedBusy = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "webphone",
		Subsystem: "call",
		Name:      "rejected_busy_total",
		Help:      "Number of incoming sessions rejected while another call was active",
	})

	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "webphone",
		Subsystem: "call",
		Name:      "active",
		Help:      "Whether a call session is currently held (0 or 1)",
	})
)
