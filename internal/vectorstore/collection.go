package vectorstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CollectionMeta describes a collection's fixed configuration, written
// once at creation time.
type CollectionMeta struct {
	Dim       int       `json:"dim"`
	Bits      int       `json:"bits"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// Fingerprint returns the (provider, model, dim) triple used to pin a
// collection to its generator (spec.md GLOSSARY).
func (m CollectionMeta) Fingerprint() string {
	return fmt.Sprintf("%s:%s:%d", m.Provider, m.Model, m.Dim)
}

// Point is the unit of indexing: id + full vector + opaque payload. The
// compact binary code is derived, not stored by the caller.
type Point struct {
	ID     string
	Vector []float32
	Payload Payload
}

// SearchResult pairs a point's id, payload and cosine score.
type SearchResult struct {
	ID      string
	Score   float64
	Payload Payload
}

// FilterFunc predicates a payload for inclusion in search results.
type FilterFunc func(Payload) bool

const (
	metaFileName   = "collection_meta.json"
	binIndexName   = "vector_index.bin"
	matrixFileName = "projection_matrix.yaml"
	payloadDirName = "payloads"
)

// CollectionStore composes ProjectionMatrix (A), PayloadStore (B) and
// BinaryIndex (C) into a per-collection vector store. It is exclusively
// owned by the daemon of the owning project; there are no cross-process
// writers (spec.md §3 Collection ownership).
type CollectionStore struct {
	root    string
	meta    CollectionMeta
	matrix  *ProjectionMatrix
	payload *PayloadStore
	index   *BinaryIndex // nil if the binary index is missing (degraded mode)

	mu       sync.RWMutex
	idByHash map[uint64]string // rebuildable from the payload store alone
}

// CreateCollection generates the matrix, initializes an empty payload
// tree and binary index, and writes collection_meta.json. Fails if the
// directory already contains a non-matching meta.
func CreateCollection(root string, dim, bits int, provider, model string, now time.Time) (*CollectionStore, error) {
	metaPath := filepath.Join(root, metaFileName)
	if existing, err := readMeta(metaPath); err == nil {
		if existing.Dim != dim || existing.Bits != bits || existing.Provider != provider || existing.Model != model {
			return nil, ErrCollectionExists
		}
		return OpenCollection(root)
	}

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("vectorstore: create collection dir: %w", err)
	}

	seed := SeedFromName(filepath.Base(root))
	matrix, err := NewProjectionMatrix(dim, bits, seed)
	if err != nil {
		return nil, err
	}
	if err := matrix.SavePath(filepath.Join(root, matrixFileName)); err != nil {
		return nil, err
	}

	idx, err := CreateBinaryIndex(filepath.Join(root, binIndexName), matrix.ByteWidth())
	if err != nil {
		return nil, err
	}

	meta := CollectionMeta{Dim: dim, Bits: bits, Provider: provider, Model: model, CreatedAt: now}
	if err := writeMeta(metaPath, meta); err != nil {
		return nil, err
	}

	payloadDir := filepath.Join(root, payloadDirName)
	if err := os.MkdirAll(payloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("vectorstore: create payload dir: %w", err)
	}

	return &CollectionStore{
		root:     root,
		meta:     meta,
		matrix:   matrix,
		payload:  NewPayloadStore(payloadDir),
		index:    idx,
		idByHash: make(map[uint64]string),
	}, nil
}

// OpenCollection opens an existing collection directory.
func OpenCollection(root string) (*CollectionStore, error) {
	metaPath := filepath.Join(root, metaFileName)
	meta, err := readMeta(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrCollectionMissing
		}
		return nil, err
	}

	matrixPath := filepath.Join(root, matrixFileName)
	if _, err := os.Stat(matrixPath); err != nil {
		return nil, ErrMatrixMissing
	}
	matrix, err := LoadProjectionMatrix(matrixPath)
	if err != nil {
		return nil, err
	}

	cs := &CollectionStore{
		root:     root,
		meta:     meta,
		matrix:   matrix,
		payload:  NewPayloadStore(filepath.Join(root, payloadDirName)),
		idByHash: make(map[uint64]string),
	}

	idxPath := filepath.Join(root, binIndexName)
	if _, err := os.Stat(idxPath); err == nil {
		idx, err := OpenBinaryIndex(idxPath)
		if err != nil {
			slog.Warn("vectorstore: binary index failed to open, falling back to full scan",
				slog.String("collection", root), slog.String("error", err.Error()))
		} else {
			cs.index = idx
		}
	} else {
		slog.Warn("vectorstore: binary index missing, falling back to full scan over payloads",
			slog.String("collection", root))
	}

	cs.rebuildIDIndex()
	return cs, nil
}

func (cs *CollectionStore) rebuildIDIndex() {
	_ = cs.payload.IterAll(func(id string, _ Payload) error {
		cs.idByHash[IDHash(id)] = id
		return nil
	})
}

func readMeta(path string) (CollectionMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CollectionMeta{}, err
	}
	var m CollectionMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return CollectionMeta{}, fmt.Errorf("%w: collection_meta.json: %v", ErrCorruptArtifact, err)
	}
	return m, nil
}

func writeMeta(path string, m CollectionMeta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Meta returns the collection's declared configuration.
func (cs *CollectionStore) Meta() CollectionMeta { return cs.meta }

// UpsertPoints projects and persists each point atomically: payload and
// code must appear together or neither. On partial batch failure,
// already-written points remain; the caller records them in
// ProgressiveMetadata.
func (cs *CollectionStore) UpsertPoints(points []Point) error {
	for _, p := range points {
		if len(p.Vector) != cs.meta.Dim {
			return fmt.Errorf("%w: point %s has %d dims, collection expects %d", ErrDimensionMismatch, p.ID, len(p.Vector), cs.meta.Dim)
		}
		code, err := cs.matrix.Project(p.Vector)
		if err != nil {
			return err
		}

		payload := p.Payload
		if payload == nil {
			payload = Payload{}
		}
		payload["__vector"] = p.Vector // retained so the index is rebuildable from payloads alone

		if err := cs.payload.Put(p.ID, payload); err != nil {
			return fmt.Errorf("vectorstore: upsert payload %s: %w", p.ID, err)
		}

		idHash := IDHash(p.ID)
		if cs.index != nil {
			if err := cs.index.Append(idHash, code); err != nil {
				return fmt.Errorf("vectorstore: upsert binary index %s: %w", p.ID, err)
			}
		}

		cs.mu.Lock()
		cs.idByHash[idHash] = p.ID
		cs.mu.Unlock()
	}
	return nil
}

// DeletePoints tombstones ids in the binary index and deletes their
// payload files.
func (cs *CollectionStore) DeletePoints(ids []string) error {
	for _, id := range ids {
		idHash := IDHash(id)
		if cs.index != nil {
			if err := cs.index.Tombstone(idHash); err != nil {
				return err
			}
		}
		if err := cs.payload.Delete(id); err != nil {
			return err
		}
		cs.mu.Lock()
		delete(cs.idByHash, idHash)
		cs.mu.Unlock()
	}
	return nil
}

// CountPoints returns the number of live points.
func (cs *CollectionStore) CountPoints() int {
	if cs.index != nil {
		return cs.index.Count()
	}
	count := 0
	_ = cs.payload.IterAll(func(string, Payload) error { count++; return nil })
	return count
}

// IterPayloads visits every live point's id and payload, in no particular
// order. Used by reconcile-mode indexing to diff the on-disk payload set
// against the current file walk without needing a separate manifest.
func (cs *CollectionStore) IterPayloads(fn func(id string, payload Payload) error) error {
	return cs.payload.IterAll(fn)
}

// SearchOptions configures Search.
type SearchOptions struct {
	K              int
	Filter         FilterFunc
	ScoreThreshold *float64 // nil means no threshold; a pointer so 0.0 is distinguishable from "unset"
}

// Search projects the query, streams the binary index for a Hamming
// prefilter of top k_prefilter = max(200, k*20), reranks the candidates by
// exact cosine similarity against the full stored vectors, applies filter
// and ScoreThreshold, and returns the top k sorted by cosine descending.
//
// ScoreThreshold must be threaded through even when it is 0.0: dropping it
// silently (e.g. via a bare truthiness check) is a correctness bug per
// spec.md §4.D.
func (cs *CollectionStore) Search(query []float32, opts SearchOptions) ([]SearchResult, error) {
	if len(query) != cs.meta.Dim {
		return nil, fmt.Errorf("%w: query has %d dims, collection expects %d", ErrDimensionMismatch, len(query), cs.meta.Dim)
	}

	kPrefilter := opts.K * 20
	if kPrefilter < 200 {
		kPrefilter = 200
	}

	var candidateIDs []string
	if cs.index != nil {
		code, err := cs.matrix.Project(query)
		if err != nil {
			return nil, err
		}
		cs.mu.RLock()
		for _, h := range cs.index.Prefilter(code, kPrefilter) {
			if id, ok := cs.idByHash[h]; ok {
				candidateIDs = append(candidateIDs, id)
			}
		}
		cs.mu.RUnlock()
	} else {
		// Degraded mode: binary index missing, full scan over payloads
		// returns exact results.
		_ = cs.payload.IterAll(func(id string, _ Payload) error {
			candidateIDs = append(candidateIDs, id)
			return nil
		})
	}

	results := make([]SearchResult, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		payload, err := cs.payload.Get(id)
		if err != nil {
			continue // corrupt_artifact or raced delete: skip
		}
		vec, ok := extractVector(payload)
		if !ok {
			continue
		}
		if opts.Filter != nil && !opts.Filter(payload) {
			continue
		}
		score := CosineSimilarity(query, vec)
		if opts.ScoreThreshold != nil && score < *opts.ScoreThreshold {
			continue
		}
		clean := stripInternal(payload)
		results = append(results, SearchResult{ID: id, Score: score, Payload: clean})
	}

	sortResultsDescending(results)
	if len(results) > opts.K && opts.K > 0 {
		results = results[:opts.K]
	}
	return results, nil
}

func extractVector(p Payload) ([]float32, bool) {
	raw, ok := p["__vector"]
	if !ok {
		return nil, false
	}
	switch v := raw.(type) {
	case []float32:
		return v, true
	case []any:
		out := make([]float32, len(v))
		for i, x := range v {
			f, ok := x.(float64)
			if !ok {
				return nil, false
			}
			out[i] = float32(f)
		}
		return out, true
	default:
		return nil, false
	}
}

func stripInternal(p Payload) Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		if k == "__vector" {
			continue
		}
		out[k] = v
	}
	return out
}

func sortResultsDescending(results []SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && results[j].Score > results[j-1].Score; j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// RebuildIndex reconstructs the binary index from the payload store alone
// (each payload retains its full vector under an internal key), used when
// the binary index file is missing or corrupt.
func (cs *CollectionStore) RebuildIndex() error {
	idxPath := filepath.Join(cs.root, binIndexName)
	idx, err := CreateBinaryIndex(idxPath, cs.matrix.ByteWidth())
	if err != nil {
		return err
	}
	var rebuildErr error
	_ = cs.payload.IterAll(func(id string, p Payload) error {
		vec, ok := extractVector(p)
		if !ok {
			return nil
		}
		code, err := cs.matrix.Project(vec)
		if err != nil {
			rebuildErr = err
			return err
		}
		return idx.Append(IDHash(id), code)
	})
	if rebuildErr != nil {
		return rebuildErr
	}
	cs.index = idx
	cs.rebuildIDIndex()
	return nil
}

// SwapAlias atomically points alias at a newly-built collection directory
// so in-flight queries never observe a half-built collection. Grounded in
// original_source/'s golden/global-repo alias-swap tests.
func SwapAlias(aliasPath, newCollectionDir string) error {
	tmp := aliasPath + ".swap.tmp"
	if err := os.Symlink(newCollectionDir, tmp); err != nil {
		return fmt.Errorf("vectorstore: create alias symlink: %w", err)
	}
	if err := os.Rename(tmp, aliasPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("vectorstore: swap alias: %w", err)
	}
	return nil
}
