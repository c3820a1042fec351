// Package metrics exposes the cache's plain operation counters (spec.md
// §4.8, "observable counters") as Prometheus collectors, the optional
// adapter layer: a Cache built without WithMetrics uses NoopRecorder and
// never touches Prometheus, since Prometheus is an integration concern,
// not a dependency of the cache's correctness.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder is the plain-counter sink the facade writes to on every
// operation. Collector implements it by incrementing Prometheus
// counters; tests can supply their own no-op or counting stub.
type Recorder interface {
	LoaderInvocation()
	LocalHit()
	LocalMiss()
	DBRead()
	DBWrite()
	EventReceived()
	EventDiscarded()
	ListenerReconnect()
}

// Collector is a Prometheus-backed Recorder, registered under the
// "pgcache" namespace so multiple Cache instances in one process share
// a consistent metric family (distinguished by the object_prefix label
// passed to NewCollector).
type Collector struct {
	loaderInvocations prometheus.Counter
	localHits         prometheus.Counter
	localMisses       prometheus.Counter
	dbReads           prometheus.Counter
	dbWrites          prometheus.Counter
	eventsReceived    prometheus.Counter
	eventsDiscarded   prometheus.Counter
	reconnects        prometheus.Counter
}

// NewCollector builds a Collector labeled with objectPrefix and
// registers it against reg. Passing prometheus.NewRegistry() (rather
// than the global DefaultRegisterer) keeps multiple Cache instances in
// tests from colliding on metric registration.
func NewCollector(reg prometheus.Registerer, objectPrefix string) (*Collector, error) {
	labels := prometheus.Labels{"object_prefix": objectPrefix}

	c := &Collector{
		loaderInvocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgcache", Name: "loader_invocations_total",
			Help: "Total number of caller loader invocations.", ConstLabels: labels,
		}),
		localHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgcache", Name: "local_hits_total",
			Help: "Total number of Get calls served from the local tier.", ConstLabels: labels,
		}),
		localMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgcache", Name: "local_misses_total",
			Help: "Total number of Get calls missing the local tier.", ConstLabels: labels,
		}),
		dbReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgcache", Name: "db_reads_total",
			Help: "Total number of database reads issued by the gateway.", ConstLabels: labels,
		}),
		dbWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgcache", Name: "db_writes_total",
			Help: "Total number of database writes issued by the gateway.", ConstLabels: labels,
		}),
		eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgcache", Name: "events_received_total",
			Help: "Total number of well-formed notification events received.", ConstLabels: labels,
		}),
		eventsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgcache", Name: "events_discarded_total",
			Help: "Total number of malformed notification events discarded.", ConstLabels: labels,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgcache", Name: "listener_reconnects_total",
			Help: "Total number of notification listener reconnect attempts.", ConstLabels: labels,
		}),
	}

	collectors := []prometheus.Collector{
		c.loaderInvocations, c.localHits, c.localMisses,
		c.dbReads, c.dbWrites, c.eventsReceived, c.eventsDiscarded, c.reconnects,
	}

	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Collector) LoaderInvocation() { c.loaderInvocations.Inc() }
func (c *Collector) LocalHit()         { c.localHits.Inc() }
func (c *Collector) LocalMiss()        { c.localMisses.Inc() }
func (c *Collector) DBRead()           { c.dbReads.Inc() }
func (c *Collector) DBWrite()          { c.dbWrites.Inc() }
func (c *Collector) EventReceived()    { c.eventsReceived.Inc() }
func (c *Collector) EventDiscarded()   { c.eventsDiscarded.Inc() }
func (c *Collector) ListenerReconnect() { c.reconnects.Inc() }

// NoopRecorder discards every observation; it is the facade's default
// when no metrics sink is configured.
type NoopRecorder struct{}

func (NoopRecorder) LoaderInvocation()  {}
func (NoopRecorder) LocalHit()          {}
func (NoopRecorder) LocalMiss()         {}
func (NoopRecorder) DBRead()            {}
func (NoopRecorder) DBWrite()           {}
func (NoopRecorder) EventReceived()     {}
func (NoopRecorder) EventDiscarded()    {}
func (NoopRecorder) ListenerReconnect() {}
