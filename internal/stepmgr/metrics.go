package stepmgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flotilla_stepmgr_steps_created_total",
		Help: "Number of job steps successfully created",
	})
	stepsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flotilla_stepmgr_steps_completed_total",
		Help: "Number of job steps completed and deallocated",
	})
	stepsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flotilla_stepmgr_steps_timed_out_total",
		Help: "Number of job steps killed for exceeding their time limit",
	})
	liveSteps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flotilla_stepmgr_live_steps",
		Help: "Number of step records currently registered",
	})
)
