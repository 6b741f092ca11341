// Package metrics defines the Prometheus instrumentation for container
// lifecycle, health probing and the layer store, and exposes the promhttp
// handler for scraping.
package metrics
