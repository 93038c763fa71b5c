package session

import (
	"sync"
)

// readinessThreshold is the count of strictly advancing remote video
// timestamps required before a session is declared ready. Inference
// backends emit a short burst of warm-up frames while models load, so a
// single decoded frame is not proof of a live loop; five frames cover the
// longest warm-up observed and the sixth is margin.
const readinessThreshold = 6

// ReadinessDetector watches remote video RTP timestamps and fires a one-shot
// callback once enough strictly advancing timestamps have been seen. Reset
// re-arms it after a disconnect so readiness is re-detected on the next
// connection.
type ReadinessDetector struct {
	mu       sync.Mutex
	last     uint32
	hasLast  bool
	advances int
	ready    bool
	onReady  func()
}

// NewReadinessDetector creates a detector firing onReady exactly once per
// armed period.
func NewReadinessDetector(onReady func()) *ReadinessDetector {
	return &ReadinessDetector{onReady: onReady}
}

// Observe records one remote video RTP timestamp. Timestamps equal to the
// previous one (additional packets of the same frame) do not count; strictly
// advancing ones do, with uint32 wraparound handled.
func (r *ReadinessDetector) Observe(timestamp uint32) {
	r.mu.Lock()
	if r.ready {
		r.mu.Unlock()
		return
	}
	if !r.hasLast {
		r.hasLast = true
		r.last = timestamp
		r.advances = 1
		r.mu.Unlock()
		return
	}
	if int32(timestamp-r.last) <= 0 {
		r.mu.Unlock()
		return
	}
	r.last = timestamp
	r.advances++
	if r.advances < readinessThreshold {
		r.mu.Unlock()
		return
	}
	r.ready = true
	callback := r.onReady
	r.mu.Unlock()

	if callback != nil {
		callback()
	}
}

// Force declares readiness immediately, bypassing timestamp counting. Used
// for passthrough sessions, which have no processing loop to warm up.
func (r *ReadinessDetector) Force() {
	r.mu.Lock()
	if r.ready {
		r.mu.Unlock()
		return
	}
	r.ready = true
	callback := r.onReady
	r.mu.Unlock()

	if callback != nil {
		callback()
	}
}

// Reset re-arms the detector after a disconnect.
func (r *ReadinessDetector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = false
	r.hasLast = false
	r.advances = 0
}

// Ready reports whether readiness has fired in the current armed period.
func (r *ReadinessDetector) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Advances returns the advancing-timestamp count so far, for stats.
func (r *ReadinessDetector) Advances() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advances
}
