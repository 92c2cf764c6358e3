package main

import "github.com/prometheus/client_golang/prometheus"

// demoMetrics holds the Prometheus series cyclicdemo exposes while it
// drives a Barrier under repeated load.
type demoMetrics struct {
	cyclesTotal    *prometheus.CounterVec
	partiesCurrent prometheus.Gauge
	cycleDuration  *prometheus.HistogramVec
}

func newDemoMetrics(reg *prometheus.Registry) *demoMetrics {
	m := &demoMetrics{
		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cyclicdemo_cycles_total",
				Help: "Total number of barrier cycles by outcome",
			},
			[]string{"outcome"},
		),
		partiesCurrent: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cyclicdemo_parties_waiting",
				Help: "Number of parties currently blocked in Wait",
			},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cyclicdemo_cycle_duration_seconds",
				Help:    "Wall time from the start of a triggered cycle until every party has returned from Wait",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
	}
	reg.MustRegister(m.cyclesTotal, m.partiesCurrent, m.cycleDuration)
	return m
}
