package session

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildInfoFixture assembles Segment > Info > [Timescale, Duration(width)]
// with all sizes known, the way a non-streamed writer would lay it out.
func buildInfoFixture(durationWidth int) []byte {
	timescale := []byte{0x2A, 0xD7, 0xB1, 0x84, 0x00, 0x0F, 0x42, 0x40}

	duration := []byte{0x44, 0x89, byte(0x80 | durationWidth)}
	duration = append(duration, make([]byte, durationWidth)...)

	infoPayload := append(append([]byte{}, timescale...), duration...)
	info := []byte{0x15, 0x49, 0xA9, 0x66, byte(0x80 | len(infoPayload))}
	info = append(info, infoPayload...)

	segment := []byte{0x18, 0x53, 0x80, 0x67, byte(0x80 | len(info))}
	return append(segment, info...)
}

// findDuration re-parses the file and returns the Duration element payload.
func findDuration(t *testing.T, data []byte) []byte {
	t.Helper()
	segment, err := findEBMLChild(data, 0, len(data), ebmlIDSegment)
	require.NoError(t, err)
	info, err := findEBMLChild(data, segment.payloadStart(), segment.payloadEnd(), ebmlIDInfo)
	require.NoError(t, err)
	dur, err := findEBMLChild(data, info.payloadStart(), info.payloadEnd(), ebmlIDDuration)
	require.NoError(t, err)
	return data[dur.payloadStart():dur.payloadEnd()]
}

// TestVintLength tests leading-byte width decoding.
func TestVintLength(t *testing.T) {
	assert.Equal(t, 1, vintLength(0x80))
	assert.Equal(t, 1, vintLength(0xFF))
	assert.Equal(t, 2, vintLength(0x40))
	assert.Equal(t, 4, vintLength(0x15))
	assert.Equal(t, 8, vintLength(0x01))
	assert.Equal(t, 0, vintLength(0x00))
}

// TestEncodeVintSize tests smallest-width size encoding that avoids the
// unknown-size bit pattern.
func TestEncodeVintSize(t *testing.T) {
	assert.Equal(t, []byte{0x93}, encodeVintSize(19))
	assert.Equal(t, []byte{0xFE}, encodeVintSize(126))
	// 127 collides with the one-byte unknown-size pattern, so it widens.
	assert.Equal(t, []byte{0x40, 0x7F}, encodeVintSize(127))
	assert.Equal(t, []byte{0x41, 0x00}, encodeVintSize(256))
}

// TestParseEBMLElement tests header decoding including the unknown-size
// pattern streamed writers emit for Segment.
func TestParseEBMLElement(t *testing.T) {
	data := buildInfoFixture(8)
	segment, err := parseEBMLElement(data, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(ebmlIDSegment), segment.id)
	assert.Equal(t, 5, segment.headerLen)
	assert.False(t, segment.unknownSize)
	assert.Equal(t, len(data), segment.payloadEnd())

	unknown := []byte{0x18, 0x53, 0x80, 0x67, 0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xAA, 0xBB}
	elem, err := parseEBMLElement(unknown, 0)
	require.NoError(t, err)
	assert.True(t, elem.unknownSize)
	assert.Equal(t, 2, elem.size, "unknown size extends to end of data")

	_, err = parseEBMLElement([]byte{0x00}, 0)
	assert.Error(t, err)
}

// TestRepairWebMDurationPatchInPlace tests both float widths of an existing
// Duration element. The file length must not change.
func TestRepairWebMDurationPatchInPlace(t *testing.T) {
	tests := []struct {
		name  string
		width int
	}{
		{"eight byte float", 8},
		{"four byte float", 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "fixture.webm")
			fixture := buildInfoFixture(tt.width)
			require.NoError(t, os.WriteFile(path, fixture, 0o644))

			require.NoError(t, RepairWebMDuration(path, 2*time.Second, nil))

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Len(t, data, len(fixture), "in-place patch must not resize")

			payload := findDuration(t, data)
			require.Len(t, payload, tt.width)
			var units float64
			if tt.width == 8 {
				units = math.Float64frombits(binary.BigEndian.Uint64(payload))
			} else {
				units = float64(math.Float32frombits(binary.BigEndian.Uint32(payload)))
			}
			// 2s at the declared 1ms timestamp scale.
			assert.InDelta(t, 2000.0, units, 0.01)
		})
	}
}

// TestRepairWebMDurationInsert tests insertion into a streamed capture that
// has no Duration element, using a real muxer output as input.
func TestRepairWebMDurationInsert(t *testing.T) {
	f := tempMuxFile(t, "stream.webm")
	path := f.Name()

	m, err := newWebmMuxer(f, MuxerConfig{VideoMime: webrtc.MimeTypeVP8})
	require.NoError(t, err)
	require.NoError(t, m.WriteVideo(media.Sample{Data: vp8Key(512, 512), Duration: 500 * time.Millisecond}, true))
	require.NoError(t, m.WriteVideo(media.Sample{Data: []byte{0x01, 0x02}, Duration: 500 * time.Millisecond}, false))
	require.NoError(t, m.Close())

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, RepairWebMDuration(path, time.Second, nil))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, len(before)+11, len(after), "one 11-byte Duration element inserted")

	payload := findDuration(t, after)
	require.Len(t, payload, 8)
	units := math.Float64frombits(binary.BigEndian.Uint64(payload))
	assert.InDelta(t, 1000.0, units, 0.01)

	// Repairing again patches the now-present element in place.
	require.NoError(t, RepairWebMDuration(path, 3*time.Second, nil))
	again, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, again, len(after))
	units = math.Float64frombits(binary.BigEndian.Uint64(findDuration(t, again)))
	assert.InDelta(t, 3000.0, units, 0.01)
}

// TestRepairWebMDurationErrors tests degenerate inputs.
func TestRepairWebMDurationErrors(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.webm")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	assert.NoError(t, RepairWebMDuration(empty, time.Second, nil), "empty capture has nothing to repair")

	garbage := filepath.Join(dir, "garbage.webm")
	require.NoError(t, os.WriteFile(garbage, []byte("certainly not ebml"), 0o644))
	err := RepairWebMDuration(garbage, time.Second, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "locate segment")

	err = RepairWebMDuration(filepath.Join(dir, "missing.webm"), time.Second, nil)
	assert.Error(t, err)
}

// TestRepairIVFFrameCount tests header reconciliation against the frames
// actually present.
func TestRepairIVFFrameCount(t *testing.T) {
	f := tempMuxFile(t, "capture.ivf")
	path := f.Name()
	m, err := newIVFMuxer(f, MuxerConfig{VideoMime: webrtc.MimeTypeVP8, Width: 512, Height: 512})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.WriteVideo(media.Sample{
			Data:     []byte{0x00, byte(i)},
			Duration: time.Second / 30,
		}, true))
	}
	require.NoError(t, m.Close())

	// Simulate a recording cut short before the close-time patch ran.
	fw, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	bogus := make([]byte, 4)
	binary.LittleEndian.PutUint32(bogus, 99)
	_, err = fw.WriteAt(bogus, ivfFrameCountOffset)
	require.NoError(t, err)
	require.NoError(t, fw.Close())

	require.NoError(t, RepairIVFFrameCount(path, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 3, binary.LittleEndian.Uint32(data[ivfFrameCountOffset:ivfFrameCountOffset+4]))

	// Already consistent: repair is a no-op.
	require.NoError(t, RepairIVFFrameCount(path, nil))

	// A truncated trailing frame is excluded from the count.
	require.NoError(t, os.WriteFile(path, append(data, 0xFF, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00), 0o644))
	require.NoError(t, RepairIVFFrameCount(path, nil))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 3, binary.LittleEndian.Uint32(data[ivfFrameCountOffset:ivfFrameCountOffset+4]))
}

// TestRepairIVFFrameCountNotIVF tests rejection of non-IVF files.
func TestRepairIVFFrameCountNotIVF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.ivf")
	require.NoError(t, os.WriteFile(path, []byte("RIFFxxxxWAVE"), 0o644))
	err := RepairIVFFrameCount(path, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "not an ivf file")
}
