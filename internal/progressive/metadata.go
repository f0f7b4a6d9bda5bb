// Package progressive implements ProgressiveMetadata (spec.md §4.L): a
// durable JSON document, flushed after every successful batch, that lets
// an indexing session resume exactly where it left off. It generalizes
// the teacher's sqlite-backed checkpoint (internal/store's
// SaveIndexCheckpoint/LoadIndexCheckpoint/IndexCheckpoint, and the
// embedder-mismatch guard in internal/index/runner.go) into the spec's
// flat per-project JSON artifact, keyed by a (provider, model, dim)
// fingerprint rather than just a model name.
package progressive

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// OperationType names the kind of session a Metadata document records.
type OperationType string

const (
	OperationIndex    OperationType = "index"
	OperationReindex  OperationType = "reindex"
	OperationTemporal OperationType = "temporal"
)

// Fingerprint pins a session to the embedding generator that produced its
// vectors. A mismatch on resume forces a full rebuild rather than risking
// silent dimensional corruption (spec.md §4.L).
type Fingerprint struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Dim      int    `json:"dim"`
}

// String renders the fingerprint the same way vectorstore.CollectionMeta
// does, so log lines and error messages referring to either line up.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%s:%s:%d", f.Provider, f.Model, f.Dim)
}

// Metadata is the durable, append-only-within-a-session state of one
// indexing operation. A new session (new SessionID) supersedes whatever
// was there before.
type Metadata struct {
	SessionID   string        `json:"session_id"`
	Operation   OperationType `json:"operation"`
	Fingerprint Fingerprint   `json:"fingerprint"`
	StartedAt   time.Time     `json:"started_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`

	// CompletedFiles is the completed-files set for file-oriented modes
	// (clear/reconcile/incremental/resume). CompletedCommits is the
	// analogous set for temporal mode; exactly one of the two is
	// populated depending on Operation.
	CompletedFiles   map[string]bool `json:"completed_files,omitempty"`
	CompletedCommits map[string]bool `json:"completed_commits,omitempty"`

	FilesTotal     int `json:"files_total"`
	FilesProcessed int `json:"files_processed"`
	ChunksIndexed  int `json:"chunks_indexed"`
	FailedCount    int `json:"failed_count"`

	FailedFiles []string `json:"failed_files,omitempty"`
}

// New creates a fresh Metadata document for sessionID, stamped at now.
func New(sessionID string, op OperationType, fp Fingerprint, now time.Time) *Metadata {
	return &Metadata{
		SessionID:        sessionID,
		Operation:        op,
		Fingerprint:      fp,
		StartedAt:        now,
		UpdatedAt:        now,
		CompletedFiles:   make(map[string]bool),
		CompletedCommits: make(map[string]bool),
	}
}

// ErrFingerprintMismatch is returned by Load when an existing document's
// fingerprint does not match the fingerprint the caller expects, per the
// fingerprint_mismatch error kind (spec.md §7): fatal at session start,
// forces a clear-and-reindex rather than resuming onto mismatched vectors.
type ErrFingerprintMismatch struct {
	Existing Fingerprint
	Wanted   Fingerprint
}

func (e *ErrFingerprintMismatch) Error() string {
	return fmt.Sprintf("progressive: fingerprint mismatch: existing session used %s, current run wants %s", e.Existing, e.Wanted)
}

// LoadOrCreate reads path's Metadata document. If it doesn't exist, a
// fresh document is created for sessionID/op/fp. If it exists, its
// fingerprint must match fp exactly, or *ErrFingerprintMismatch is
// returned (the caller must clear and reindex, not resume).
func LoadOrCreate(path, sessionID string, op OperationType, fp Fingerprint, now time.Time) (*Metadata, error) {
	m, err := load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(sessionID, op, fp, now), nil
		}
		return nil, err
	}
	if m.Fingerprint != fp {
		return nil, &ErrFingerprintMismatch{Existing: m.Fingerprint, Wanted: fp}
	}
	return m, nil
}

func load(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("progressive: corrupt metadata file %s: %w", path, err)
	}
	if m.CompletedFiles == nil {
		m.CompletedFiles = make(map[string]bool)
	}
	if m.CompletedCommits == nil {
		m.CompletedCommits = make(map[string]bool)
	}
	return &m, nil
}

// Save persists m atomically (temp file + rename), matching the write
// pattern used across the rest of this repo's on-disk artifacts.
func (m *Metadata) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("progressive: marshal metadata: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("progressive: create metadata dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("progressive: write metadata: %w", err)
	}
	return os.Rename(tmp, path)
}

// MarkFileCompleted records path as completed and bumps counters. Callers
// should Save after each batch, not after each file, per spec.md §4.L.
func (m *Metadata) MarkFileCompleted(path string, chunks int, now time.Time) {
	m.CompletedFiles[path] = true
	m.FilesProcessed++
	m.ChunksIndexed += chunks
	m.UpdatedAt = now
}

// MarkFileFailed records path as failed without marking it completed, so
// a resume retries it.
func (m *Metadata) MarkFileFailed(path string, now time.Time) {
	m.FailedFiles = append(m.FailedFiles, path)
	m.FailedCount++
	m.UpdatedAt = now
}

// MarkCommitCompleted records a temporal-mode commit hash as completed.
func (m *Metadata) MarkCommitCompleted(hash string, now time.Time) {
	m.CompletedCommits[hash] = true
	m.UpdatedAt = now
}

// IsFileCompleted reports whether path was already processed in this (or
// a resumed) session.
func (m *Metadata) IsFileCompleted(path string) bool {
	return m.CompletedFiles[path]
}

// IsCommitCompleted reports whether hash was already processed.
func (m *Metadata) IsCommitCompleted(hash string) bool {
	return m.CompletedCommits[hash]
}

// MarkComplete stamps the session as finished.
func (m *Metadata) MarkComplete(now time.Time) {
	m.CompletedAt = &now
	m.UpdatedAt = now
}
