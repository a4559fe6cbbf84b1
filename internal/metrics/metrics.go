package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CheckIns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence", Name: "checkins_total", Help: "Successful student check-ins",
	})
	CheckOuts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence", Name: "checkouts_total", Help: "Successful student check-outs",
	})
	BulkCheckouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence", Name: "bulk_checkouts_total", Help: "Bulk checkout operations",
	})
	HandlerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence", Name: "handler_errors_total", Help: "Handler errors",
	})
	StaleSweeps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "presence", Name: "stale_sweeps_total", Help: "Check-ins closed by the stale sweeper",
	})
	DBPing = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "presence", Name: "db_ping_seconds", Help: "DB ping latency",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(CheckIns, CheckOuts, BulkCheckouts, HandlerErrors, StaleSweeps, DBPing)
}

func Handler() http.Handler { return promhttp.Handler() }

func ObserveDBPing(d time.Duration) { DBPing.Observe(d.Seconds()) }
