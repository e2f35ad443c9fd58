// Package state persists the RunManifest and per-file FileRecords as
// a single crash-safe JSON document. Every mutation follows a
// write-temp/fsync/rename discipline, and a cooperative on-disk lock
// keeps two runs from targeting the same output root concurrently.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/editnori/metamaprunner/internal/csvout"
	"github.com/editnori/metamaprunner/internal/model"
)

// ErrLockHeld is returned by Open, wrapped with the lock file path,
// when another run's lock file is present and not stale.
var ErrLockHeld = errors.New("state lock held by another run")

const schemaVersion = 1

// document is the on-disk JSON shape of the state file, plus a
// run-level concept-frequency aggregate stored as a sidecar field
// under "concepts".
type document struct {
	Schema   int                         `json:"schema"`
	RunID    string                      `json:"run_id"`
	Manifest manifestDoc                 `json:"manifest"`
	Files    map[string]model.FileRecord `json:"files"`
	Concepts conceptAggregate            `json:"concepts,omitempty"`
}

// conceptAggregate tracks how often each concept unique id and
// semantic type has been seen across every file processed in this run.
type conceptAggregate struct {
	CUICounts     map[string]int `json:"cui_counts,omitempty"`
	SemTypeCounts map[string]int `json:"sem_type_counts,omitempty"`
}

type manifestDoc struct {
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	PoolSize  int          `json:"pool_size"`
	Totals    model.Totals `json:"totals"`
}

type lockFile struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Manager owns all reads and writes of the state document for one
// output root. It never exposes a live mutable reference: Snapshot
// returns a deep copy.
type Manager struct {
	mu        sync.Mutex
	statePath string
	lockPath  string
	staleAge  time.Duration
	readOnly  bool
	doc       document
}

// Open loads the existing state document at outputRoot (or starts an
// empty one if absent) and acquires the cooperative lock file.
// staleAge is the age beyond which an existing lock file is considered
// abandoned and reclaimed.
func Open(outputRoot, runID string, poolSize int, staleAge time.Duration) (*Manager, error) {
	m := &Manager{
		statePath: filepath.Join(outputRoot, ".state.json"),
		lockPath:  filepath.Join(outputRoot, ".state.lock"),
		staleAge:  staleAge,
	}

	if err := m.acquireLock(); err != nil {
		return nil, err
	}

	doc, err := loadDocument(m.statePath)
	if err != nil {
		m.releaseLock()
		return nil, err
	}
	if doc == nil {
		now := time.Now().UTC()
		doc = &document{
			Schema: schemaVersion,
			RunID:  runID,
			Manifest: manifestDoc{
				CreatedAt: now,
				UpdatedAt: now,
				PoolSize:  poolSize,
			},
			Files: map[string]model.FileRecord{},
		}
	}
	m.doc = *doc
	return m, nil
}

// OpenReadOnly loads the state document at outputRoot without taking
// the cooperative lock, so `status` and other read-only consumers work
// while a run holds it. Mutations on a read-only Manager are never
// written back to disk.
func OpenReadOnly(outputRoot string) (*Manager, error) {
	m := &Manager{
		statePath: filepath.Join(outputRoot, ".state.json"),
		readOnly:  true,
	}
	doc, err := loadDocument(m.statePath)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = &document{Schema: schemaVersion, Files: map[string]model.FileRecord{}}
	}
	m.doc = *doc
	return m, nil
}

// Close releases the cooperative lock file. It does not delete the
// state document.
func (m *Manager) Close() error {
	if m.readOnly {
		return nil
	}
	return m.releaseLock()
}

func (m *Manager) acquireLock() error {
	if info, err := os.Stat(m.lockPath); err == nil {
		if time.Since(info.ModTime()) < m.staleAge {
			return fmt.Errorf("%w: %s", ErrLockHeld, m.lockPath)
		}
		os.Remove(m.lockPath)
	}

	lf := lockFile{PID: os.Getpid(), StartedAt: time.Now().UTC()}
	data, err := json.Marshal(lf)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(m.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrLockHeld, m.lockPath)
		}
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (m *Manager) releaseLock() error {
	err := os.Remove(m.lockPath)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

func loadDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil // a corrupt document is treated as absent, never a partial read
	}
	if doc.Files == nil {
		doc.Files = map[string]model.FileRecord{}
	}
	return &doc, nil
}

// persist writes the document atomically: temp file, fsync, rename.
// Caller must hold m.mu.
func (m *Manager) persist() error {
	if m.readOnly {
		return nil
	}
	m.doc.Manifest.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(m.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(m.statePath)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}
	return os.Rename(tmpPath, m.statePath)
}

// MarkInProgress records that attempt has begun for path.
func (m *Manager) MarkInProgress(path string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.doc.Files[path]
	rec.Status = model.FileInProgress
	rec.Attempts = attempt
	now := time.Now().UTC()
	rec.LastAttemptAt = &now
	m.doc.Files[path] = rec
	return m.persist()
}

// MarkCompleted records a successful outcome. Calling it twice with
// the same arguments is a no-op on disk after the first call.
func (m *Manager) MarkCompleted(path string, concepts int, seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.doc.Files[path]
	if rec.Status == model.FileCompleted && rec.ConceptsExtract != nil && *rec.ConceptsExtract == concepts {
		return nil
	}
	wasCompleted := rec.Status == model.FileCompleted

	rec.Status = model.FileCompleted
	rec.ConceptsExtract = &concepts
	rec.Seconds = &seconds
	rec.LastErrorKind = ""
	rec.LastError = ""
	m.doc.Files[path] = rec

	if !wasCompleted {
		m.doc.Manifest.Totals.Completed++
	}
	return m.persist()
}

// MarkFailed records a terminal failure for path.
func (m *Manager) MarkFailed(path string, kind model.ErrorKind, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.doc.Files[path]
	wasFailed := rec.Status == model.FileFailed

	rec.Status = model.FileFailed
	rec.LastErrorKind = kind
	rec.LastError = errText
	now := time.Now().UTC()
	rec.LastAttemptAt = &now
	m.doc.Files[path] = rec

	if !wasFailed {
		m.doc.Manifest.Totals.Failed++
	}
	return m.persist()
}

// RecordRetried increments the run-level retried counter, called by
// the batch coordinator each time it schedules another attempt.
func (m *Manager) RecordRetried() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc.Manifest.Totals.Retried++
	return m.persist()
}

// TrackConcepts folds one file's extracted concepts into the run-level
// CUI/semantic-type frequency aggregate.
func (m *Manager) TrackConcepts(concepts []model.Concept) error {
	if len(concepts) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.doc.Concepts.CUICounts == nil {
		m.doc.Concepts.CUICounts = map[string]int{}
	}
	if m.doc.Concepts.SemTypeCounts == nil {
		m.doc.Concepts.SemTypeCounts = map[string]int{}
	}
	for _, c := range concepts {
		if c.CUI != "" {
			m.doc.Concepts.CUICounts[c.CUI]++
		}
		for _, st := range c.SemTypes {
			m.doc.Concepts.SemTypeCounts[st]++
		}
	}
	return m.persist()
}

// ConceptStat is one ranked entry in a top-N concept/semantic-type report.
type ConceptStat struct {
	Key   string
	Count int
}

// ConceptStatistics returns the top n concept unique ids and the top n
// semantic types by frequency.
func (m *Manager) ConceptStatistics(n int) (topCUIs, topSemTypes []ConceptStat) {
	m.mu.Lock()
	defer m.mu.Unlock()

	topCUIs = topN(m.doc.Concepts.CUICounts, n)
	topSemTypes = topN(m.doc.Concepts.SemTypeCounts, n)
	return
}

func topN(counts map[string]int, n int) []ConceptStat {
	out := make([]ConceptStat, 0, len(counts))
	for k, v := range counts {
		out = append(out, ConceptStat{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// IsCompleted reports whether path's record is completed AND the
// corresponding CSV on disk passes the completion-marker check. If
// either check fails, the record is demoted to pending so the batch
// coordinator will reprocess it — callers should not rely on a cached
// answer across a resume.
func (m *Manager) IsCompleted(path, csvPath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.doc.Files[path]
	if !ok || rec.Status != model.FileCompleted {
		return false
	}
	if !csvout.IsComplete(csvPath) {
		rec.Status = model.FilePending
		rec.ConceptsExtract = nil
		rec.Seconds = nil
		m.doc.Files[path] = rec
		m.persist()
		return false
	}
	return true
}

// ShouldSkipDispatch reports whether path should NOT be queued by an
// ordinary process/resume pass: either it is already completed (with a
// verified CSV, demoting to pending on a stale claim as IsCompleted
// does) or it has exhausted its retries and sits in the terminal
// failed state. Only the dedicated `retry` command re-engages failed
// records, by resetting them to pending via ResetForRetry first.
func (m *Manager) ShouldSkipDispatch(path, csvPath string) bool {
	if m.IsCompleted(path, csvPath) {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.doc.Files[path]
	return ok && rec.Status == model.FileFailed
}

// ResetInProgressToPending recovers from an unclean shutdown: any
// record left in_progress is reverted to pending so it will be
// retried on the next run.
func (m *Manager) ResetInProgressToPending() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for path, rec := range m.doc.Files {
		if rec.Status == model.FileInProgress {
			rec.Status = model.FilePending
			m.doc.Files[path] = rec
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return m.persist()
}

// FailedPaths returns every path currently recorded as failed.
func (m *Manager) FailedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for path, rec := range m.doc.Files {
		if rec.Status == model.FileFailed {
			out = append(out, path)
		}
	}
	return out
}

// ResetForRetry clears a failed record's attempt counter so it will
// be re-enqueued by `retry`, regardless of how many attempts it
// previously exhausted.
func (m *Manager) ResetForRetry(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.doc.Files[path]
	rec.Status = model.FilePending
	rec.Attempts = 0
	rec.LastErrorKind = ""
	rec.LastError = ""
	m.doc.Files[path] = rec
	return m.persist()
}

// Snapshot returns a deep copy of the manifest and file records,
// never a live mutable reference.
type Snapshot struct {
	RunID    string
	Manifest model.RunManifest
	Files    map[string]model.FileRecord
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	files := make(map[string]model.FileRecord, len(m.doc.Files))
	for k, v := range m.doc.Files {
		if v.LastAttemptAt != nil {
			t := *v.LastAttemptAt
			v.LastAttemptAt = &t
		}
		if v.ConceptsExtract != nil {
			n := *v.ConceptsExtract
			v.ConceptsExtract = &n
		}
		if v.Seconds != nil {
			s := *v.Seconds
			v.Seconds = &s
		}
		files[k] = v
	}

	return Snapshot{
		RunID: m.doc.RunID,
		Manifest: model.RunManifest{
			RunID:     m.doc.RunID,
			CreatedAt: m.doc.Manifest.CreatedAt,
			UpdatedAt: m.doc.Manifest.UpdatedAt,
			PoolSize:  m.doc.Manifest.PoolSize,
			Totals:    m.doc.Manifest.Totals,
		},
		Files: files,
	}
}
