package session

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/google/renameio/v2"
)

// EBML element IDs used when repairing WebM metadata.
const (
	ebmlIDHeader    = 0x1A45DFA3
	ebmlIDSegment   = 0x18538067
	ebmlIDSeekHead  = 0x114D9B74
	ebmlIDInfo      = 0x1549A966
	ebmlIDTimescale = 0x2AD7B1
	ebmlIDDuration  = 0x4489
	ebmlIDTracks    = 0x1654AE6B
	ebmlIDCluster   = 0x1F43B675
)

const defaultTimestampScale = 1000000

// ebmlElement is one parsed element header plus its absolute layout.
type ebmlElement struct {
	id          uint32
	offset      int
	headerLen   int
	size        int
	unknownSize bool
}

func (e ebmlElement) payloadStart() int { return e.offset + e.headerLen }
func (e ebmlElement) payloadEnd() int   { return e.payloadStart() + e.size }

// parseEBMLElement reads the element header at offset. Elements with unknown
// size extend to end, which the caller resolves from context.
func parseEBMLElement(data []byte, offset int) (ebmlElement, error) {
	if offset >= len(data) {
		return ebmlElement{}, fmt.Errorf("ebml: offset %d beyond end", offset)
	}

	idLen := vintLength(data[offset])
	if idLen == 0 || offset+idLen > len(data) {
		return ebmlElement{}, fmt.Errorf("ebml: bad element id at %d", offset)
	}
	var id uint32
	for i := 0; i < idLen; i++ {
		id = id<<8 | uint32(data[offset+i])
	}

	sizeOffset := offset + idLen
	if sizeOffset >= len(data) {
		return ebmlElement{}, fmt.Errorf("ebml: truncated size at %d", sizeOffset)
	}
	sizeLen := vintLength(data[sizeOffset])
	if sizeLen == 0 || sizeOffset+sizeLen > len(data) {
		return ebmlElement{}, fmt.Errorf("ebml: bad size vint at %d", sizeOffset)
	}
	size := uint64(data[sizeOffset]) & (0xFF >> uint(sizeLen))
	allOnes := size == (1<<uint(8-sizeLen))-1
	for i := 1; i < sizeLen; i++ {
		b := data[sizeOffset+i]
		size = size<<8 | uint64(b)
		if b != 0xFF {
			allOnes = false
		}
	}

	elem := ebmlElement{
		id:        id,
		offset:    offset,
		headerLen: idLen + sizeLen,
		size:      int(size),
	}
	if allOnes {
		elem.unknownSize = true
		elem.size = len(data) - elem.payloadStart()
	}
	return elem, nil
}

// vintLength returns the byte length encoded in a vint's leading byte, or 0
// when the byte is invalid.
func vintLength(b byte) int {
	for i := 0; i < 8; i++ {
		if b&(0x80>>uint(i)) != 0 {
			return i + 1
		}
	}
	return 0
}

// encodeVintSize encodes v as an EBML size vint in the smallest width that
// does not collide with the unknown-size pattern.
func encodeVintSize(v uint64) []byte {
	for width := 1; width <= 8; width++ {
		max := uint64(1)<<uint(7*width) - 2
		if v <= max {
			out := make([]byte, width)
			for i := width - 1; i >= 0; i-- {
				out[i] = byte(v)
				v >>= 8
			}
			out[0] |= 0x80 >> uint(width-1)
			return out
		}
	}
	return nil
}

// RepairWebMDuration rewrites the file at path so its Segment Info carries a
// Duration element matching measured. Streamed WebM writers leave Duration
// out because the length is unknown until the recording stops; players then
// show the file as unseekable or zero-length. An existing Duration element
// is patched in place, otherwise one is inserted at the front of Info and
// the file rewritten atomically.
func RepairWebMDuration(path string, measured time.Duration, logger Logger) error {
	if logger == nil {
		logger = nopLogger{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read webm: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	segment, err := findEBMLChild(data, 0, len(data), ebmlIDSegment)
	if err != nil {
		return fmt.Errorf("locate segment: %w", err)
	}
	info, err := findEBMLChild(data, segment.payloadStart(), segment.payloadEnd(), ebmlIDInfo)
	if err != nil {
		return fmt.Errorf("locate segment info: %w", err)
	}

	scale := uint64(defaultTimestampScale)
	if ts, err := findEBMLChild(data, info.payloadStart(), info.payloadEnd(), ebmlIDTimescale); err == nil {
		scale = 0
		for _, b := range data[ts.payloadStart():ts.payloadEnd()] {
			scale = scale<<8 | uint64(b)
		}
		if scale == 0 {
			scale = defaultTimestampScale
		}
	}
	units := float64(measured.Nanoseconds()) / float64(scale)

	if existing, err := findEBMLChild(data, info.payloadStart(), info.payloadEnd(), ebmlIDDuration); err == nil {
		switch existing.size {
		case 4:
			binary.BigEndian.PutUint32(data[existing.payloadStart():], math.Float32bits(float32(units)))
		case 8:
			binary.BigEndian.PutUint64(data[existing.payloadStart():], math.Float64bits(units))
		default:
			return fmt.Errorf("unexpected duration element width %d", existing.size)
		}
		logger.Debug("patched webm duration in place", "path", path, "duration", measured)
		return rewriteFile(path, data)
	}

	// No Duration element: insert one at the front of the Info payload and
	// re-encode Info's size. The Segment itself is unknown-size in streamed
	// output, so no outer length needs adjusting.
	durationElem := make([]byte, 0, 11)
	durationElem = append(durationElem, 0x44, 0x89, 0x88)
	durationElem = binary.BigEndian.AppendUint64(durationElem, math.Float64bits(units))

	newInfoSize := uint64(info.size + len(durationElem))
	newSizeVint := encodeVintSize(newInfoSize)
	if newSizeVint == nil {
		return fmt.Errorf("info size %d not encodable", newInfoSize)
	}

	if _, err := findEBMLChild(data, segment.payloadStart(), info.offset, ebmlIDSeekHead); err == nil {
		// Inserting shifts everything after Info; SeekHead offsets go stale.
		// They are advisory and players fall back to scanning, so proceed.
		logger.Warn("webm has a seek head, offsets will be stale after repair", "path", path)
	}

	idLen := vintLength(data[info.offset])
	rebuilt := make([]byte, 0, len(data)+len(durationElem)+len(newSizeVint))
	rebuilt = append(rebuilt, data[:info.offset+idLen]...)
	rebuilt = append(rebuilt, newSizeVint...)
	rebuilt = append(rebuilt, durationElem...)
	rebuilt = append(rebuilt, data[info.payloadStart():]...)

	logger.Debug("inserted webm duration element", "path", path, "duration", measured)
	return rewriteFile(path, rebuilt)
}

// findEBMLChild walks sibling elements in [start, end) and returns the first
// one with the wanted id.
func findEBMLChild(data []byte, start, end, id int) (ebmlElement, error) {
	offset := start
	for offset < end {
		elem, err := parseEBMLElement(data, offset)
		if err != nil {
			return ebmlElement{}, err
		}
		if elem.id == uint32(id) {
			return elem, nil
		}
		if elem.unknownSize {
			break
		}
		offset = elem.payloadEnd()
	}
	return ebmlElement{}, fmt.Errorf("ebml: element %#x not found", id)
}

// rewriteFile atomically replaces path with data, preserving the original on
// any failure.
func rewriteFile(path string, data []byte) error {
	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer pending.Cleanup()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write pending file: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}

// RepairIVFFrameCount rescans the file at path and patches the header frame
// count when it disagrees with the frames actually present, as happens when
// a recording is cut short before the writer's own close-time patch runs.
func RepairIVFFrameCount(path string, logger Logger) error {
	if logger == nil {
		logger = nopLogger{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read ivf: %w", err)
	}
	if len(data) < ivfHeaderSize || string(data[0:4]) != "DKIF" {
		return fmt.Errorf("not an ivf file: %s", path)
	}

	var counted uint32
	offset := ivfHeaderSize
	for offset+ivfFrameHeaderSize <= len(data) {
		frameLen := int(binary.LittleEndian.Uint32(data[offset : offset+4]))
		next := offset + ivfFrameHeaderSize + frameLen
		if next > len(data) {
			break
		}
		counted++
		offset = next
	}

	header := binary.LittleEndian.Uint32(data[ivfFrameCountOffset : ivfFrameCountOffset+4])
	if header == counted {
		return nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open ivf for patch: %w", err)
	}
	defer f.Close()
	patch := make([]byte, 4)
	binary.LittleEndian.PutUint32(patch, counted)
	if _, err := f.WriteAt(patch, ivfFrameCountOffset); err != nil {
		return fmt.Errorf("patch ivf frame count: %w", err)
	}
	logger.Debug("patched ivf frame count", "path", path, "was", header, "now", counted)
	return nil
}
