package metrics

import (
	"sync"
	"time"
)

// latencyWindow bounds the per-instance latency sample buffer. Older samples
// are evicted so memory stays constant for the process lifetime.
const latencyWindow = 100

// instanceStats accumulates counters and a latency ring buffer for one
// instance. Protected by the owning Recorder's mutex.
type instanceStats struct {
	requests  uint64
	errors    uint64
	latencies [latencyWindow]time.Duration
	head      int
	count     int
}

// Recorder tracks per-instance request statistics. Counters only ever grow;
// latency samples live in a bounded ring buffer. The recorder is purely
// observational; routing decisions never read it.
type Recorder struct {
	mu       sync.Mutex
	perInst  map[string]*instanceStats
	ordering []string
}

// NewRecorder creates a Recorder pre-seeded with the given instance names so
// snapshots always list every configured instance, even before traffic.
func NewRecorder(instances []string) *Recorder {
	r := &Recorder{perInst: make(map[string]*instanceStats, len(instances))}
	for _, name := range instances {
		r.perInst[name] = &instanceStats{}
		r.ordering = append(r.ordering, name)
	}
	return r
}

// RecordRequest counts a request dispatched to the instance. Called before
// the call is made so requests that never complete are still counted.
func (r *Recorder) RecordRequest(instance string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats(instance).requests++
}

// RecordResult records the completion of a request: its latency sample and,
// when failed is true, an error count.
func (r *Recorder) RecordResult(instance string, latency time.Duration, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats(instance)
	if failed {
		s.errors++
	}
	s.latencies[s.head] = latency
	s.head = (s.head + 1) % latencyWindow
	if s.count < latencyWindow {
		s.count++
	}
}

// stats returns the stats bucket for an instance, creating it for instances
// registered after construction. Must be called with r.mu held.
func (r *Recorder) stats(instance string) *instanceStats {
	s, ok := r.perInst[instance]
	if !ok {
		s = &instanceStats{}
		r.perInst[instance] = s
		r.ordering = append(r.ordering, instance)
	}
	return s
}

// InstanceSnapshot is a point-in-time aggregate for one instance.
type InstanceSnapshot struct {
	Requests   uint64        `json:"requests"`
	Errors     uint64        `json:"errors"`
	ErrorRate  float64       `json:"error_rate"`
	AvgLatency time.Duration `json:"avg_latency"`
}

// Snapshot returns per-instance aggregates plus the process-wide total.
func (r *Recorder) Snapshot() (map[string]InstanceSnapshot, InstanceSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]InstanceSnapshot, len(r.perInst))
	var total InstanceSnapshot
	var totalLatency time.Duration
	var totalSamples int

	for _, name := range r.ordering {
		s := r.perInst[name]
		snap := InstanceSnapshot{Requests: s.requests, Errors: s.errors}
		if s.requests > 0 {
			snap.ErrorRate = float64(s.errors) / float64(s.requests)
		}
		var sum time.Duration
		for i := 0; i < s.count; i++ {
			sum += s.latencies[i]
		}
		if s.count > 0 {
			snap.AvgLatency = sum / time.Duration(s.count)
		}
		out[name] = snap

		total.Requests += s.requests
		total.Errors += s.errors
		totalLatency += sum
		totalSamples += s.count
	}

	if total.Requests > 0 {
		total.ErrorRate = float64(total.Errors) / float64(total.Requests)
	}
	if totalSamples > 0 {
		total.AvgLatency = totalLatency / time.Duration(totalSamples)
	}
	return out, total
}
