package percpu

import (
	"encoding/binary"
	"errors"

	"github.com/bytedance/sonic"
	"github.com/klauspost/compress/s2"
	"github.com/zeebo/xxh3"
)

// Header words are read with relaxed loads throughout this file; the
// numbers are advisory and may be torn across classes, never within one.
var order = binary.LittleEndian

// MemoryStats describes the backing region's footprint.
type MemoryStats struct {
	VirtualSize  uint64 `json:"virtual_size"`
	ResidentSize uint64 `json:"resident_size"`
}

// MetadataMemoryUsage reports the region's virtual size and how much of it
// the OS currently backs with physical memory.
func (s *Slab) MetadataMemoryUsage() MemoryStats {
	base, shift := s.slabs()
	region := regionBytes(base, shift, s.numCPU)
	return MemoryStats{
		VirtualSize:  uint64(len(region)),
		ResidentSize: residentSize(region),
	}
}

// Stats aggregates header state across all CPUs and classes.
type Stats struct {
	Length   uint64 `json:"length"`
	Capacity uint64 `json:"capacity"`
	Locked   uint64 `json:"locked"`
}

// Stat
func (s *Slab) Stat() (stat Stats) {
	base, shift := s.slabs()
	for cpu := 0; cpu < s.numCPU; cpu++ {
		for sc := 0; sc < s.numClasses; sc++ {
			h := loadHeader(headerAt(base, shift, cpu, sc))
			if h.isLocked() {
				stat.Locked++
				continue
			}
			stat.Length += uint64(h.current - h.begin)
			stat.Capacity += uint64(h.end - h.begin)
		}
	}
	return
}

// UtilRate returns occupied slots as a percentage of reserved capacity.
func (s Stats) UtilRate() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Length) / float64(s.Capacity) * 100
}

// HeaderState is one (cpu, size class) header as captured by Snapshot.
type HeaderState struct {
	CPU       int    `json:"cpu"`
	SizeClass int    `json:"size_class"`
	Current   uint16 `json:"current"`
	EndCopy   uint16 `json:"end_copy"`
	Begin     uint16 `json:"begin"`
	End       uint16 `json:"end"`
}

// SlabSnapshot is a point-in-time dump of every header.
type SlabSnapshot struct {
	Shift      uint8         `json:"shift"`
	NumCPU     int           `json:"num_cpu"`
	NumClasses int           `json:"num_classes"`
	Headers    []HeaderState `json:"headers"`
}

var ErrSnapshotChecksum = errors.New("percpu: snapshot checksum mismatch")

// Snapshot serializes the header state of the whole slab: an 8-byte xxh3
// digest of the JSON payload followed by the snappy-compressed payload.
func (s *Slab) Snapshot() ([]byte, error) {
	base, shift := s.slabs()
	snap := SlabSnapshot{
		Shift:      shift,
		NumCPU:     s.numCPU,
		NumClasses: s.numClasses,
		Headers:    make([]HeaderState, 0, s.numCPU*s.numClasses),
	}
	for cpu := 0; cpu < s.numCPU; cpu++ {
		for sc := 0; sc < s.numClasses; sc++ {
			h := loadHeader(headerAt(base, shift, cpu, sc))
			snap.Headers = append(snap.Headers, HeaderState{
				CPU: cpu, SizeClass: sc,
				Current: h.current, EndCopy: h.endCopy,
				Begin: h.begin, End: h.end,
			})
		}
	}

	payload, err := sonic.Marshal(snap)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8, 8+s2.MaxEncodedLen(len(payload)))
	order.PutUint64(out, xxh3.Hash(payload))
	return append(out, s2.EncodeSnappy(nil, payload)...), nil
}

// LoadSnapshot decodes and verifies a Snapshot payload.
func LoadSnapshot(b []byte) (*SlabSnapshot, error) {
	if len(b) < 8 {
		return nil, ErrSnapshotChecksum
	}
	payload, err := s2.Decode(nil, b[8:])
	if err != nil {
		return nil, err
	}
	if xxh3.Hash(payload) != order.Uint64(b) {
		return nil, ErrSnapshotChecksum
	}
	var snap SlabSnapshot
	if err := sonic.Unmarshal(payload, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
