package vectorstore

import "errors"

// Sentinel errors surfaced by the filesystem vector store. Callers use
// errors.Is against these to map onto the §7 error kinds.
var (
	// ErrDimensionMismatch indicates a vector's dimension does not equal
	// the collection's declared dimension. Fatal per spec.md §3.
	ErrDimensionMismatch = errors.New("vectorstore: dimension mismatch")

	// ErrCorruptArtifact wraps a skip-and-report condition: a payload
	// file or binary index record failed to parse.
	ErrCorruptArtifact = errors.New("vectorstore: corrupt artifact")

	// ErrCollectionExists is returned by CreateCollection when the
	// target directory already holds a non-matching collection_meta.json.
	ErrCollectionExists = errors.New("vectorstore: collection already exists with different metadata")

	// ErrMatrixMissing indicates the projection matrix file is absent;
	// this is fatal (§4.D: "Missing matrix -> fail").
	ErrMatrixMissing = errors.New("vectorstore: projection matrix missing")

	// ErrCollectionMissing indicates no collection has been created yet
	// at the given path (§7 collection_missing).
	ErrCollectionMissing = errors.New("vectorstore: collection missing")
)
