package vectorstore

import (
	"container/heap"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// binaryIndexMagic identifies the file format.
const binaryIndexMagic uint32 = 0x42494458 // "BIDX"

// binaryIndexVersion is the current on-disk format version.
const binaryIndexVersion uint32 = 1

// headerSize is the fixed-size file header: magic, version, record width, count.
const headerSize = 4 + 4 + 4 + 8 // uint32 + uint32 + uint32 + uint64

// IDHash returns the fixed-width 64-bit identifier used in binary index
// records. It is a truncation of SHA-256(id); the full string id is
// recovered via the CollectionStore's in-memory hash->id map, which is
// rebuildable from the payload store alone (each payload file's name is
// its id).
func IDHash(id string) uint64 {
	sum := sha256.Sum256([]byte(id))
	return binary.BigEndian.Uint64(sum[:8])
}

// record is a single (idHash, code) entry plus a tombstone bit.
type record struct {
	idHash    uint64
	code      []byte
	tombstone bool
}

// BinaryIndex is a single file of fixed-width (idHash, code) records with
// an O(N) Hamming-distance prefilter over live records. Deletes set a
// tombstone bit rather than rewriting the file; Compact() reclaims space.
type BinaryIndex struct {
	mu         sync.RWMutex
	path       string
	byteWidth  int
	records    []record
	liveCount  int
	hashToSlot map[uint64]int // last-writer-wins slot per idHash (for replace-by-id upsert)
}

// CreateBinaryIndex initializes an empty binary index file at path.
func CreateBinaryIndex(path string, byteWidth int) (*BinaryIndex, error) {
	idx := &BinaryIndex{path: path, byteWidth: byteWidth, hashToSlot: make(map[uint64]int)}
	if err := idx.writeHeader(0); err != nil {
		return nil, err
	}
	return idx, nil
}

// OpenBinaryIndex loads an existing binary index file, tolerating a
// truncated trailing record left by a crash mid-write (the header count
// is authoritative; any bytes past the last full record implied by count
// are ignored and the header is corrected on next open).
func OpenBinaryIndex(path string) (*BinaryIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("vectorstore: read binary index header: %w", err)
	}
	magic := binary.BigEndian.Uint32(header[0:4])
	if magic != binaryIndexMagic {
		return nil, fmt.Errorf("%w: binary index has bad magic", ErrCorruptArtifact)
	}
	byteWidth := int(binary.BigEndian.Uint32(header[8:12]))
	declaredCount := binary.BigEndian.Uint64(header[12:20])

	recordWidth := 8 + byteWidth + 1 // idHash + code + tombstone byte
	idx := &BinaryIndex{path: path, byteWidth: byteWidth, hashToSlot: make(map[uint64]int)}

	buf := make([]byte, recordWidth)
	var n uint64
	for n < declaredCount {
		if _, err := io.ReadFull(f, buf); err != nil {
			break // truncated trailing record: stop, correct count below
		}
		r := record{
			idHash:    binary.BigEndian.Uint64(buf[0:8]),
			code:      append([]byte(nil), buf[8:8+byteWidth]...),
			tombstone: buf[8+byteWidth] != 0,
		}
		idx.records = append(idx.records, r)
		idx.hashToSlot[r.idHash] = len(idx.records) - 1
		if !r.tombstone {
			idx.liveCount++
		}
		n++
	}
	return idx, nil
}

func (idx *BinaryIndex) writeHeader(count uint64) error {
	f, err := os.OpenFile(idx.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("vectorstore: open binary index for header write: %w", err)
	}
	defer f.Close()
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], binaryIndexMagic)
	binary.BigEndian.PutUint32(header[4:8], binaryIndexVersion)
	binary.BigEndian.PutUint32(header[8:12], uint32(idx.byteWidth))
	binary.BigEndian.PutUint64(header[12:20], count)
	if _, err := f.WriteAt(header, 0); err != nil {
		return fmt.Errorf("vectorstore: write binary index header: %w", err)
	}
	return nil
}

// Append adds a new (idHash, code) record, appending in O(1). If idHash
// already has a live record, the prior slot is tombstoned so the point is
// effectively replaced (upsert semantics).
func (idx *BinaryIndex) Append(idHash uint64, code []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(code) != idx.byteWidth {
		return fmt.Errorf("vectorstore: code width mismatch: index expects %d bytes, got %d", idx.byteWidth, len(code))
	}

	if prevSlot, ok := idx.hashToSlot[idHash]; ok && !idx.records[prevSlot].tombstone {
		idx.records[prevSlot].tombstone = true
		idx.liveCount--
	}

	r := record{idHash: idHash, code: append([]byte(nil), code...)}
	idx.records = append(idx.records, r)
	slot := len(idx.records) - 1
	idx.hashToSlot[idHash] = slot
	idx.liveCount++

	return idx.appendRecordToFile(r)
}

func (idx *BinaryIndex) appendRecordToFile(r record) error {
	f, err := os.OpenFile(idx.path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("vectorstore: open binary index for append: %w", err)
	}
	defer f.Close()

	recordWidth := 8 + idx.byteWidth + 1
	offset := int64(headerSize) + int64(len(idx.records)-1)*int64(recordWidth)
	buf := make([]byte, recordWidth)
	binary.BigEndian.PutUint64(buf[0:8], r.idHash)
	copy(buf[8:8+idx.byteWidth], r.code)
	if r.tombstone {
		buf[8+idx.byteWidth] = 1
	}
	if _, err := f.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("vectorstore: append binary index record: %w", err)
	}
	return idx.writeHeader(uint64(len(idx.records)))
}

// Tombstone marks the live record for idHash as deleted, if present.
func (idx *BinaryIndex) Tombstone(idHash uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	slot, ok := idx.hashToSlot[idHash]
	if !ok || idx.records[slot].tombstone {
		return nil
	}
	idx.records[slot].tombstone = true
	idx.liveCount--
	return idx.rewriteTombstoneByte(slot)
}

func (idx *BinaryIndex) rewriteTombstoneByte(slot int) error {
	f, err := os.OpenFile(idx.path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	recordWidth := 8 + idx.byteWidth + 1
	offset := int64(headerSize) + int64(slot)*int64(recordWidth) + int64(7+idx.byteWidth+1)
	_, err = f.WriteAt([]byte{1}, offset)
	return err
}

// Count returns the number of live (non-tombstoned) records.
func (idx *BinaryIndex) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.liveCount
}

// candidate is a live record paired with its Hamming distance to a query.
type candidate struct {
	idHash   uint64
	distance int
}

type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].distance > h[j].distance } // max-heap: worst on top
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)         { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Prefilter streams the file (snapshotting the live record count first so
// concurrently-appended records don't get scanned mid-write) and returns
// the kPrefilter candidates with the smallest Hamming distance to query.
func (idx *BinaryIndex) Prefilter(query []byte, kPrefilter int) []uint64 {
	idx.mu.RLock()
	snapshot := idx.records[:len(idx.records)]
	idx.mu.RUnlock()

	h := &candidateHeap{}
	heap.Init(h)
	for _, r := range snapshot {
		if r.tombstone {
			continue
		}
		d := HammingDistance(query, r.code)
		if h.Len() < kPrefilter {
			heap.Push(h, candidate{idHash: r.idHash, distance: d})
			continue
		}
		if d < (*h)[0].distance {
			heap.Pop(h)
			heap.Push(h, candidate{idHash: r.idHash, distance: d})
		}
	}

	out := make([]uint64, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(candidate).idHash
	}
	return out
}

// Compact rewrites the file dropping tombstoned records, reclaiming space.
func (idx *BinaryIndex) Compact() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	live := make([]record, 0, idx.liveCount)
	for _, r := range idx.records {
		if !r.tombstone {
			live = append(live, r)
		}
	}

	tmp := idx.path + ".compact.tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("vectorstore: create compaction temp file: %w", err)
	}
	recordWidth := 8 + idx.byteWidth + 1
	header := make([]byte, headerSize)
	binary.BigEndian.PutUint32(header[0:4], binaryIndexMagic)
	binary.BigEndian.PutUint32(header[4:8], binaryIndexVersion)
	binary.BigEndian.PutUint32(header[8:12], uint32(idx.byteWidth))
	binary.BigEndian.PutUint64(header[12:20], uint64(len(live)))
	if _, err := f.Write(header); err != nil {
		f.Close()
		return err
	}
	buf := make([]byte, recordWidth)
	for _, r := range live {
		binary.BigEndian.PutUint64(buf[0:8], r.idHash)
		copy(buf[8:8+idx.byteWidth], r.code)
		buf[8+idx.byteWidth] = 0
		if _, err := f.Write(buf); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		return fmt.Errorf("vectorstore: rename compacted binary index into place: %w", err)
	}

	idx.records = live
	idx.hashToSlot = make(map[uint64]int, len(live))
	for i, r := range live {
		idx.hashToSlot[r.idHash] = i
	}
	return nil
}
