/*
Package metrics implements the vault's metrics registry.

Every series is labeled by collection (the tenant-facing name), built on
client_golang's CounterVec/GaugeVec/HistogramVec. Two bucket sets cover the
registry's histograms: DefaultBuckets (seconds, for request/operation
latency) and StoreLatencyBuckets (milliseconds, for object-store round
trips).

	reg := metrics.NewRegistry("vault")
	reg.Counter("ingest_total", "objects ingested", "tenant-a").Inc()
	reg.Histogram("store_latency_ms", "object store latency", "tenant-a", metrics.StoreLatencyBuckets).Observe(42)

WritePrometheusText renders the registry in Prometheus text exposition
format for /health/metrics; WriteJSON renders the same data as a flat
JSON map for /health/metrics/json.
*/
package metrics
