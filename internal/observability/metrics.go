package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dexwatch/internal/eventbus"
	rtsup "dexwatch/internal/runtime/supervisor"
	"dexwatch/internal/task/scheduler"
)

const namespace = "dexwatch"

// Metrics turns eventbus events into Prometheus series. It owns its own
// registry; nothing is registered globally.
type Metrics struct {
	reg *prometheus.Registry

	fetches       *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchedItems  *prometheus.CounterVec
	admitted      *prometheus.CounterVec
	pruned        *prometheus.CounterVec
	skipped       *prometheus.CounterVec
	delivered     *prometheus.CounterVec
	sends         *prometheus.CounterVec
	subscribers   prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		fetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_fetches_total",
			Help: "Feed fetch cycles by outcome.",
		}, []string{"feed", "result"}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "feed_fetch_duration_seconds",
			Help:    "Feed fetch latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"feed"}),
		fetchedItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_items_fetched_total",
			Help: "Items returned by the feed endpoint.",
		}, []string{"feed"}),
		admitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_items_admitted_total",
			Help: "Items admitted into the window.",
		}, []string{"feed"}),
		pruned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_items_pruned_total",
			Help: "Window entries evicted after the retention period.",
		}, []string{"feed"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_items_skipped_total",
			Help: "Fetched items dropped before admission.",
		}, []string{"feed"}),
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_items_total",
			Help: "Items recorded as delivered.",
		}, []string{"feed"}),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_sends_total",
			Help: "Per-subscriber send attempts by result.",
		}, []string{"feed", "result"}),
		subscribers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscribers_added_total",
			Help: "Users and chats registered since start.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe updates the series for one event. Unknown events are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.FeedFetched:
		d, ok := e.Data.(eventbus.FetchData)
		if !ok {
			return
		}
		result := "ok"
		if !d.OK {
			result = "error"
		}
		m.fetches.WithLabelValues(e.Feed, result).Inc()
		m.fetchDuration.WithLabelValues(e.Feed).Observe(d.Duration)
		m.fetchedItems.WithLabelValues(e.Feed).Add(float64(d.Items))
	case eventbus.FeedAdmitted:
		if n, ok := e.Data.(int); ok {
			m.admitted.WithLabelValues(e.Feed).Add(float64(n))
		}
	case eventbus.FeedPruned:
		if n, ok := e.Data.(int); ok {
			m.pruned.WithLabelValues(e.Feed).Add(float64(n))
		}
	case eventbus.FeedSkipped:
		m.skipped.WithLabelValues(e.Feed).Inc()
	case eventbus.DispatchItem:
		m.delivered.WithLabelValues(e.Feed).Inc()
	case eventbus.DispatchSent:
		m.sends.WithLabelValues(e.Feed, "sent").Inc()
	case eventbus.DispatchFailed:
		m.sends.WithLabelValues(e.Feed, "failed").Inc()
	case eventbus.DispatchFallback:
		m.sends.WithLabelValues(e.Feed, "fallback").Inc()
	case eventbus.SubscriberAdded:
		m.subscribers.Inc()
	}
}

// Consume feeds bus events into Observe until ctx is done.
func (m *Metrics) Consume(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// GaugeFunc registers a gauge sampled at scrape time.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

// WatchBus exports the number of events lost to full subscriber buffers.
func (m *Metrics) WatchBus(bus eventbus.Bus) {
	promauto.With(m.reg).NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: "eventbus_dropped_total",
		Help: "Events dropped because a subscriber buffer was full.",
	}, func() float64 { return float64(bus.Dropped()) })
}

// supervisorCollector exports per-task counters of a supervisor.
type supervisorCollector struct {
	sup      *rtsup.Supervisor
	starts   *prometheus.Desc
	restarts *prometheus.Desc
	panics   *prometheus.Desc
	active   *prometheus.Desc
}

// WatchSupervisor exports task starts, restarts and panics of sup.
func (m *Metrics) WatchSupervisor(sup *rtsup.Supervisor) {
	labels := []string{"task"}
	m.reg.MustRegister(&supervisorCollector{
		sup:      sup,
		starts:   prometheus.NewDesc(namespace+"_task_starts_total", "Supervised task starts.", labels, nil),
		restarts: prometheus.NewDesc(namespace+"_task_restarts_total", "Supervised task restarts.", labels, nil),
		panics:   prometheus.NewDesc(namespace+"_task_panics_total", "Recovered panics per task.", labels, nil),
		active:   prometheus.NewDesc(namespace+"_task_active", "Running goroutines per task.", labels, nil),
	})
}

func (c *supervisorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.starts
	ch <- c.restarts
	ch <- c.panics
	ch <- c.active
}

func (c *supervisorCollector) Collect(ch chan<- prometheus.Metric) {
	for _, t := range c.sup.Snapshot().Tasks {
		ch <- prometheus.MustNewConstMetric(c.starts, prometheus.CounterValue, float64(t.Started), t.Name)
		ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(t.Restarts), t.Name)
		ch <- prometheus.MustNewConstMetric(c.panics, prometheus.CounterValue, float64(t.Panics), t.Name)
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(t.Active), t.Name)
	}
}

type schedulerCollector struct {
	snapshot func() scheduler.Snapshot
	runs     *prometheus.Desc
	skipped  *prometheus.Desc
	failures *prometheus.Desc
	lastDur  *prometheus.Desc
}

// WatchScheduler exports per-job run, skip and failure counts.
func (m *Metrics) WatchScheduler(snapshot func() scheduler.Snapshot) {
	labels := []string{"job"}
	m.reg.MustRegister(&schedulerCollector{
		snapshot: snapshot,
		runs:     prometheus.NewDesc(namespace+"_job_runs_total", "Completed scheduled runs.", labels, nil),
		skipped:  prometheus.NewDesc(namespace+"_job_skipped_total", "Triggers skipped because the previous run was still in flight.", labels, nil),
		failures: prometheus.NewDesc(namespace+"_job_failures_total", "Scheduled runs that returned an error.", labels, nil),
		lastDur:  prometheus.NewDesc(namespace+"_job_last_duration_seconds", "Duration of the latest run.", labels, nil),
	})
}

func (c *schedulerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.runs
	ch <- c.skipped
	ch <- c.failures
	ch <- c.lastDur
}

func (c *schedulerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, it := range c.snapshot().Schedules {
		ch <- prometheus.MustNewConstMetric(c.runs, prometheus.CounterValue, float64(it.Runs), it.Name)
		ch <- prometheus.MustNewConstMetric(c.skipped, prometheus.CounterValue, float64(it.Skipped), it.Name)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(it.Failures), it.Name)
		ch <- prometheus.MustNewConstMetric(c.lastDur, prometheus.GaugeValue, it.LastDuration.Seconds(), it.Name)
	}
}
