package session

import (
	"math"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestReadinessDetectorFiresOnce tests that the callback fires exactly once
// after enough strictly advancing timestamps.
func TestReadinessDetectorFiresOnce(t *testing.T) {
	var fired int32
	d := NewReadinessDetector(func() { atomic.AddInt32(&fired, 1) })

	ts := uint32(1000)
	for i := 0; i < readinessThreshold-1; i++ {
		d.Observe(ts)
		ts += 3000
	}
	assert.False(t, d.Ready())
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))

	d.Observe(ts)
	assert.True(t, d.Ready())
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))

	// Further advances must not re-fire.
	d.Observe(ts + 3000)
	d.Observe(ts + 6000)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

// TestReadinessDetectorIgnoresNonAdvancing tests that repeated and backward
// timestamps do not count toward the threshold.
func TestReadinessDetectorIgnoresNonAdvancing(t *testing.T) {
	var fired int32
	d := NewReadinessDetector(func() { atomic.AddInt32(&fired, 1) })

	d.Observe(5000)
	for i := 0; i < 20; i++ {
		d.Observe(5000)
	}
	d.Observe(2000)
	assert.Equal(t, 1, d.Advances())
	assert.False(t, d.Ready())
	assert.EqualValues(t, 0, atomic.LoadInt32(&fired))
}

// TestReadinessDetectorWraparound tests that a timestamp wrapping past the
// uint32 boundary still counts as an advance.
func TestReadinessDetectorWraparound(t *testing.T) {
	d := NewReadinessDetector(nil)

	d.Observe(math.MaxUint32 - 1500)
	d.Observe(1500) // wrapped forward
	assert.Equal(t, 2, d.Advances())
}

// TestReadinessDetectorForce tests the passthrough shortcut.
func TestReadinessDetectorForce(t *testing.T) {
	var fired int32
	d := NewReadinessDetector(func() { atomic.AddInt32(&fired, 1) })

	d.Force()
	assert.True(t, d.Ready())
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))

	d.Force()
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))
}

// TestReadinessDetectorReset tests re-arming after a disconnect: detection
// restarts from zero and fires again.
func TestReadinessDetectorReset(t *testing.T) {
	var fired int32
	d := NewReadinessDetector(func() { atomic.AddInt32(&fired, 1) })

	// Partially warmed up, then the connection drops.
	d.Observe(1000)
	d.Observe(4000)
	d.Observe(7000)
	d.Reset()
	assert.Equal(t, 0, d.Advances())
	assert.False(t, d.Ready())

	ts := uint32(90000)
	for i := 0; i < readinessThreshold; i++ {
		d.Observe(ts)
		ts += 3000
	}
	assert.True(t, d.Ready())
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired))

	// A second reset re-arms the one-shot completely.
	d.Reset()
	ts = 100
	for i := 0; i < readinessThreshold; i++ {
		d.Observe(ts)
		ts += 3000
	}
	assert.EqualValues(t, 2, atomic.LoadInt32(&fired))
}
