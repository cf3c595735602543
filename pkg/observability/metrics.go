package observability

import (
	"sort"
	"strings"
	"sync"
)

// Metric names emitted by the execution core.
const (
	MetricJobAdded        = "queue_job_added"
	MetricJobDone         = "queue_job_done"
	MetricBrokerReconnect = "broker_reconnect"
	MetricOAuthRefresh    = "oauth_token_refresh"
)

// MetricPoint is one labeled counter value in a snapshot.
type MetricPoint struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Value  float64           `json:"value"`
}

// Snapshot is a point-in-time copy of the registry, ordered by metric key.
type Snapshot struct {
	Counters []MetricPoint `json:"counters"`
}

type metricEntry struct {
	name   string
	labels map[string]string
	value  float64
}

// Registry is a process-local labeled counter store. It exists so the queue
// can count job-add/job-done per action slug without dragging a metrics SDK
// into the hot path.
type Registry struct {
	mu       sync.Mutex
	counters map[string]metricEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]metricEntry),
	}
}

// Default is the registry the serve command exposes at /metrics.
var Default = NewRegistry()

// IncCounter adds delta to the counter identified by name and labels.
func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	if delta == 0 {
		return
	}
	key, copied := metricKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.counters[key]
	if !ok {
		e = metricEntry{name: name, labels: copied}
	}
	e.value += delta
	r.counters[key] = e
}

// CounterValue returns the current value of one counter, zero if absent.
func (r *Registry) CounterValue(name string, labels map[string]string) float64 {
	key, _ := metricKey(name, labels)

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[key].value
}

// Snapshot copies the registry for serialization.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.counters))
	for k := range r.counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	snap := Snapshot{Counters: make([]MetricPoint, 0, len(keys))}
	for _, k := range keys {
		e := r.counters[k]
		snap.Counters = append(snap.Counters, MetricPoint{
			Name:   e.name,
			Labels: e.labels,
			Value:  e.value,
		})
	}
	return snap
}

func metricKey(name string, labels map[string]string) (string, map[string]string) {
	if len(labels) == 0 {
		return name, nil
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(name)
	copied := make(map[string]string, len(labels))
	for _, k := range keys {
		sb.WriteString("|")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(labels[k])
		copied[k] = labels[k]
	}
	return sb.String(), copied
}
