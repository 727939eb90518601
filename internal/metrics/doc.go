// Package metrics provides an observability framework for runnerd dispatch metrics.
//
// Components receive a Recorder through dependency injection and default to
// NoopRecorder, so metrics never require nil checks at call sites:
//
//	type Ingestor struct {
//	    recorder metrics.Recorder
//	}
//
// The daemon swaps in a PrometheusRecorder backed by a private registry and
// exposes it on /metrics via HTTPHandler. Tests inject NoopRecorder or a
// recorder built over prometheus.NewRegistry() and assert on gathered
// families.
package metrics
