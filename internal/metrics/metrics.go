package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pixelfort/vmhub/internal/services/registry"
)

var (
	// MatchmakerDecisions counts request_server outcomes by ladder step.
	MatchmakerDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vmhub_matchmaker_decisions_total",
		Help: "Matchmaker decisions by outcome.",
	}, []string{"outcome"})

	// RateLimited counts requests refused by the front-door limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vmhub_rate_limited_total",
		Help: "Requests dropped by the per-address rate limiter.",
	})

	// HeartbeatsRejected counts heartbeats that failed validation.
	HeartbeatsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vmhub_heartbeats_rejected_total",
		Help: "Worker heartbeats rejected as invalid.",
	})
)

// RegistryStats is the snapshot the fleet gauges read each scrape.
type RegistryStats interface {
	Stats() registry.Stats
}

// SubscriberCounter reports the live broadcast subscriber count.
type SubscriberCounter interface {
	SubscriberCount() int
}

// fleetCollector derives the host/server/player gauges from one registry
// snapshot per scrape, so the three values are always mutually consistent.
type fleetCollector struct {
	registry    RegistryStats
	subscribers SubscriberCounter

	hosts       *prometheus.Desc
	servers     *prometheus.Desc
	players     *prometheus.Desc
	subscribing *prometheus.Desc
}

// Register wires the fleet gauges into the default registerer. Call once at
// startup.
func Register(reg RegistryStats, subs SubscriberCounter) {
	prometheus.MustRegister(&fleetCollector{
		registry:    reg,
		subscribers: subs,
		hosts: prometheus.NewDesc("vmhub_hosts",
			"Worker hosts by lifecycle status.", []string{"status"}, nil),
		servers: prometheus.NewDesc("vmhub_servers",
			"Game-server processes across all hosts.", nil, nil),
		players: prometheus.NewDesc("vmhub_players",
			"Players across all game servers.", nil, nil),
		subscribing: prometheus.NewDesc("vmhub_broadcast_subscribers",
			"Live broadcast stream subscribers.", nil, nil),
	})
}

func (c *fleetCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hosts
	ch <- c.servers
	ch <- c.players
	ch <- c.subscribing
}

func (c *fleetCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.registry.Stats()
	for status, n := range stats.HostsByStatus {
		ch <- prometheus.MustNewConstMetric(c.hosts, prometheus.GaugeValue, float64(n), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.servers, prometheus.GaugeValue, float64(stats.Servers))
	ch <- prometheus.MustNewConstMetric(c.players, prometheus.GaugeValue, float64(stats.Players))
	ch <- prometheus.MustNewConstMetric(c.subscribing, prometheus.GaugeValue, float64(c.subscribers.SubscriberCount()))
}
