package session

import (
	"sync"
	"time"
)

// DebouncePolicy tunes how long field edits are coalesced before a
// whole-document update is sent. Numeric fields (slider drags) settle
// faster than free-text fields, where the user is usually still typing.
type DebouncePolicy struct {
	// NumericDelay is the quiet period after the last numeric edit.
	NumericDelay time.Duration

	// TextDelay is the quiet period after the last text edit.
	TextDelay time.Duration
}

// DefaultDebouncePolicy returns the tuned default delays.
func DefaultDebouncePolicy() DebouncePolicy {
	return DebouncePolicy{
		NumericDelay: 150 * time.Millisecond,
		TextDelay:    500 * time.Millisecond,
	}
}

func (p DebouncePolicy) withDefaults() DebouncePolicy {
	def := DefaultDebouncePolicy()
	if p.NumericDelay <= 0 {
		p.NumericDelay = def.NumericDelay
	}
	if p.TextDelay <= 0 {
		p.TextDelay = def.TextDelay
	}
	return p
}

// fieldKey identifies one node input field.
type fieldKey struct {
	node  string
	field string
}

type pendingEdit struct {
	value interface{}
	timer *time.Timer
}

// fieldDebouncer coalesces rapid per-field edits. Each edit restarts the
// field's quiet-period timer with only the most recent value retained; when
// the timer fires, the flush callback runs unless the value is identical to
// the last value actually flushed for that field, in which case the send is
// suppressed entirely.
type fieldDebouncer struct {
	policy DebouncePolicy

	mu       sync.Mutex
	pending  map[fieldKey]*pendingEdit
	lastSent map[fieldKey]interface{}
	closed   bool

	// flush delivers a settled edit. Runs on the timer goroutine with the
	// debouncer lock released.
	flush func(key fieldKey, value interface{})

	// suppressed counts flushes skipped for equal values. Read by tests and
	// channel stats.
	suppressed uint64
	flushed    uint64
}

func newFieldDebouncer(policy DebouncePolicy, flush func(key fieldKey, value interface{})) *fieldDebouncer {
	return &fieldDebouncer{
		policy:   policy.withDefaults(),
		pending:  make(map[fieldKey]*pendingEdit),
		lastSent: make(map[fieldKey]interface{}),
		flush:    flush,
	}
}

// Queue schedules value for flushing after the field's quiet period.
// A pending edit for the same field is replaced and its timer restarted.
func (d *fieldDebouncer) Queue(key fieldKey, value interface{}, numeric bool) {
	delay := d.policy.TextDelay
	if numeric {
		delay = d.policy.NumericDelay
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if edit, ok := d.pending[key]; ok {
		edit.value = value
		edit.timer.Reset(delay)
		return
	}

	edit := &pendingEdit{value: value}
	edit.timer = time.AfterFunc(delay, func() { d.fire(key) })
	d.pending[key] = edit
}

// fire delivers the settled value for key, applying equal-value suppression.
func (d *fieldDebouncer) fire(key fieldKey) {
	d.mu.Lock()
	edit, ok := d.pending[key]
	if !ok || d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)

	if last, sent := d.lastSent[key]; sent && valuesEqual(last, edit.value) {
		d.suppressed++
		d.mu.Unlock()
		return
	}
	d.lastSent[key] = edit.value
	d.flushed++
	flush := d.flush
	value := edit.value
	d.mu.Unlock()

	if flush != nil {
		flush(key, value)
	}
}

// Close stops all pending timers and drops queued edits.
func (d *fieldDebouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	for key, edit := range d.pending {
		edit.timer.Stop()
		delete(d.pending, key)
	}
}

// counters returns (flushed, suppressed) totals.
func (d *fieldDebouncer) counters() (uint64, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushed, d.suppressed
}

// valuesEqual compares two JSON-shaped values, falling back to canonical
// serialization for composite types.
func valuesEqual(a, b interface{}) bool {
	switch a.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint64:
		return a == b
	}
	aj, errA := graphJSON.Marshal(a)
	bj, errB := graphJSON.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
