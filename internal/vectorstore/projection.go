// Package vectorstore implements the filesystem-backed vector store: a
// random-projection matrix for compact binary codes, a content-addressed
// JSON payload tree, a fixed-width binary index for Hamming prefiltering,
// and a CollectionStore that composes the three into upsert/search/delete.
package vectorstore

import (
	"bufio"
	"fmt"
	"math"
	"math/rand"
	"os"

	"gopkg.in/yaml.v3"
)

// ProjectionMatrix holds an R x B sign matrix used to project full
// embedding vectors into compact B-bit binary codes. It is generated once
// at collection creation from a fixed seed so recreating a collection with
// the same (dim, bits, seed) is deterministic, and is never regenerated
// for an existing collection.
type ProjectionMatrix struct {
	Dim  int         `yaml:"dim"`
	Bits int         `yaml:"bits"`
	Seed int64       `yaml:"seed"`
	Rows [][]float32 `yaml:"rows"`
}

// NewProjectionMatrix creates a deterministic R x B matrix from seed.
func NewProjectionMatrix(dim, bits int, seed int64) (*ProjectionMatrix, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("vectorstore: dimension must be positive, got %d", dim)
	}
	if bits <= 0 {
		return nil, fmt.Errorf("vectorstore: bits must be positive, got %d", bits)
	}
	rng := rand.New(rand.NewSource(seed))
	rows := make([][]float32, dim)
	for i := range rows {
		row := make([]float32, bits)
		for j := range row {
			row[j] = float32(rng.NormFloat64())
		}
		rows[i] = row
	}
	return &ProjectionMatrix{Dim: dim, Bits: bits, Seed: seed, Rows: rows}, nil
}

// ByteWidth returns the number of bytes needed to pack Bits sign bits.
func (m *ProjectionMatrix) ByteWidth() int {
	return (m.Bits + 7) / 8
}

// Project computes a B-bit packed code from a full embedding vector by the
// sign of v . M[:, j] for each column j.
func (m *ProjectionMatrix) Project(v []float32) ([]byte, error) {
	if len(v) != m.Dim {
		return nil, fmt.Errorf("vectorstore: dimension mismatch: matrix expects %d, got %d", m.Dim, len(v))
	}
	out := make([]byte, m.ByteWidth())
	for j := 0; j < m.Bits; j++ {
		var dot float64
		for i, val := range v {
			dot += float64(val) * float64(m.Rows[i][j])
		}
		if dot >= 0 {
			out[j/8] |= 1 << uint(j%8)
		}
	}
	return out, nil
}

// SavePath writes the matrix to path as human-readable YAML so it survives
// tool versions.
func (m *ProjectionMatrix) SavePath(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("vectorstore: create projection matrix temp file: %w", err)
	}
	enc := yaml.NewEncoder(bufio.NewWriter(f))
	if err := enc.Encode(m); err != nil {
		f.Close()
		return fmt.Errorf("vectorstore: encode projection matrix: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadProjectionMatrix reads a matrix previously written by SavePath.
func LoadProjectionMatrix(path string) (*ProjectionMatrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: read projection matrix: %w", err)
	}
	var m ProjectionMatrix
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("vectorstore: parse projection matrix: %w", err)
	}
	return &m, nil
}

// HammingDistance computes the Hamming distance between two equal-length
// packed codes.
func HammingDistance(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	dist := 0
	for i := 0; i < n; i++ {
		dist += popcount(a[i] ^ b[i])
	}
	return dist
}

func popcount(b byte) int {
	count := 0
	for b != 0 {
		count += int(b & 1)
		b >>= 1
	}
	return count
}

// CosineSimilarity computes q . v / (|q| * |v|).
func CosineSimilarity(q, v []float32) float64 {
	var dot, qn, vn float64
	n := len(q)
	if len(v) < n {
		n = len(v)
	}
	for i := 0; i < n; i++ {
		dot += float64(q[i]) * float64(v[i])
	}
	for _, x := range q {
		qn += float64(x) * float64(x)
	}
	for _, x := range v {
		vn += float64(x) * float64(x)
	}
	if qn == 0 || vn == 0 {
		return 0
	}
	return dot / (math.Sqrt(qn) * math.Sqrt(vn))
}

// SeedFromName derives a stable deterministic seed from a collection name
// when no explicit seed is configured in CollectionConfig.
func SeedFromName(name string) int64 {
	h := int64(0)
	for _, r := range name {
		h = h*31 + int64(r)
	}
	return h
}
