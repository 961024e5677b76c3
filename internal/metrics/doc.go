// Package metrics defines the Prometheus metric families exported by the service.
package metrics
