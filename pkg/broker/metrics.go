package broker

import (
	"context"
	"time"

	// Packages
	schema "github.com/goauthentik/authentik-sub008/pkg/broker/schema"
	prometheus "github.com/prometheus/client_golang/prometheus"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Collector exposes broker state as prometheus metrics, computed from the
// task table at scrape time.
type Collector struct {
	broker  *Broker
	tasks   *prometheus.Desc
	queues  *prometheus.Desc
	workers *prometheus.Desc
}

// Ensure interfaces are satisfied
var _ prometheus.Collector = (*Collector)(nil)

////////////////////////////////////////////////////////////////////////////////
// GLOBALS

const collectTimeout = 5 * time.Second

////////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

func NewCollector(broker *Broker) *Collector {
	return &Collector{
		broker: broker,
		tasks: prometheus.NewDesc(
			prometheus.BuildFQName(schema.SchemaName, "", "tasks"),
			"Number of tasks by aggregated status",
			[]string{"status"}, prometheus.Labels{"namespace": broker.ns},
		),
		queues: prometheus.NewDesc(
			prometheus.BuildFQName(schema.SchemaName, "", "queue_tasks"),
			"Number of tasks by queue and state",
			[]string{"queue", "state"}, prometheus.Labels{"namespace": broker.ns},
		),
		workers: prometheus.NewDesc(
			prometheus.BuildFQName(schema.SchemaName, "", "workers"),
			"Number of workers with a status row",
			nil, prometheus.Labels{"namespace": broker.ns},
		),
	}
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasks
	ch <- c.queues
	ch <- c.workers
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	if counts, err := c.broker.GlobalStatus(ctx); err == nil {
		for _, count := range counts.Body {
			ch <- prometheus.MustNewConstMetric(c.tasks, prometheus.GaugeValue, float64(count.Count), count.Status)
		}
	}
	if counts, err := c.broker.QueueCounts(ctx); err == nil {
		for _, count := range counts.Body {
			ch <- prometheus.MustNewConstMetric(c.queues, prometheus.GaugeValue, float64(count.Count), count.QueueName, string(count.State))
		}
	}
	if workers, err := c.broker.ListWorkers(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(len(workers.Body)))
	}
}
