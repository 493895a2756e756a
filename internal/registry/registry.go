// Package registry maintains the authoritative mapping of ancient-sample
// identifiers to BAM file paths, persisted as a tab-separated table.
package registry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kaburi0214/amIBD/internal/domain"
)

var (
	ErrDuplicateIdentifier = errors.New("duplicate sample identifier")
	ErrInvalidPath         = errors.New("invalid bam path")
	ErrNotFound            = errors.New("sample not found")
)

var tableHeader = []string{"sample_name", "bam", "status"}

// Registry is the one piece of mutable shared state in the system. Every
// successful mutation is written to the table file before the call returns;
// plans are built from Snapshot copies only.
type Registry struct {
	mu        sync.Mutex
	tablePath string
	bamDir    string
	samples   []domain.Sample
	revision  uint64
}

// Open loads the registry table from tablePath, creating an empty table if the
// file does not exist. bamDir is the directory every registered BAM path must
// live under.
func Open(tablePath, bamDir string) (*Registry, error) {
	tablePath = strings.TrimSpace(tablePath)
	if tablePath == "" {
		return nil, errors.New("table path is required")
	}
	bamDir = strings.TrimSpace(bamDir)
	if bamDir == "" {
		return nil, errors.New("bam directory is required")
	}

	r := &Registry{tablePath: tablePath, bamDir: filepath.Clean(bamDir)}
	samples, err := readTable(tablePath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if err := r.persistLocked(nil); err != nil {
			return nil, err
		}
		return r, nil
	}

	for i := range samples {
		samples[i].Status = statusFor(samples[i].BAMPath)
	}
	r.samples = samples
	return r, nil
}

// Add registers a new sample. The path must be a readable regular file under
// the registry's BAM directory at commit time; on any validation failure the
// registry, in memory and on disk, is left unchanged.
func (r *Registry) Add(id, bamPath string) error {
	id = strings.TrimSpace(id)
	bamPath = strings.TrimSpace(bamPath)

	sample := domain.Sample{ID: id, BAMPath: bamPath, Status: domain.SampleStatusPending}
	if err := sample.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.samples {
		if existing.ID == id {
			return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, id)
		}
	}
	if !r.underBAMDir(bamPath) {
		return fmt.Errorf("%w: %s is outside %s", ErrInvalidPath, bamPath, r.bamDir)
	}
	info, err := os.Stat(bamPath)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s does not resolve to a file", ErrInvalidPath, bamPath)
	}
	if f, err := os.Open(bamPath); err != nil {
		return fmt.Errorf("%w: %s is not readable", ErrInvalidPath, bamPath)
	} else {
		_ = f.Close()
	}

	sample.Status = domain.SampleStatusValid
	next := append(copySamples(r.samples), sample)
	if err := r.persistLocked(next); err != nil {
		return err
	}
	r.samples = next
	r.revision++
	return nil
}

// Remove deletes a sample row. The underlying BAM file is left alone; file
// lifecycle belongs to the upload collaborator.
func (r *Registry) Remove(id string) error {
	id = strings.TrimSpace(id)

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, sample := range r.samples {
		if sample.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := copySamples(r.samples)
	next = append(next[:idx], next[idx+1:]...)
	if err := r.persistLocked(next); err != nil {
		return err
	}
	r.samples = next
	r.revision++
	return nil
}

// Snapshot returns an immutable ordered copy of the current samples, re-checking
// each BAM path so the plan builder sees current file presence.
func (r *Registry) Snapshot() domain.RegistrySnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	samples := copySamples(r.samples)
	for i := range samples {
		samples[i].Status = statusFor(samples[i].BAMPath)
	}
	return domain.RegistrySnapshot{Samples: samples, Revision: r.revision}
}

// Revision returns the current registry generation. A job whose plan was built
// at an earlier revision is operating on stale data.
func (r *Registry) Revision() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}

func (r *Registry) underBAMDir(path string) bool {
	rel, err := filepath.Rel(r.bamDir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// persistLocked rewrites the table atomically: write a temp file in the same
// directory, fsync, then rename over the old table. Caller holds r.mu.
func (r *Registry) persistLocked(samples []domain.Sample) error {
	dir := filepath.Dir(r.tablePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".anc_samples-*.tsv")
	if err != nil {
		return fmt.Errorf("registry temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	w := csv.NewWriter(tmp)
	w.Comma = '\t'
	if err := w.Write(tableHeader); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write registry header: %w", err)
	}
	for _, sample := range samples {
		if err := w.Write([]string{sample.ID, sample.BAMPath, string(sample.Status)}); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("write registry row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush registry table: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync registry table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry table: %w", err)
	}
	if err := os.Rename(tmpName, r.tablePath); err != nil {
		return fmt.Errorf("commit registry table: %w", err)
	}
	return nil
}

func readTable(path string) ([]domain.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse registry table: %w", err)
	}

	samples := make([]domain.Sample, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for i, row := range rows {
		if i == 0 && len(row) > 0 && row[0] == tableHeader[0] {
			continue
		}
		if len(row) < 2 {
			return nil, fmt.Errorf("registry table row %d: expected at least sample_name and bam columns", i+1)
		}
		id := strings.TrimSpace(row[0])
		if id == "" {
			return nil, fmt.Errorf("registry table row %d: empty sample_name", i+1)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("registry table row %d: %w: %s", i+1, ErrDuplicateIdentifier, id)
		}
		seen[id] = struct{}{}
		samples = append(samples, domain.Sample{
			ID:      id,
			BAMPath: strings.TrimSpace(row[1]),
			Status:  domain.SampleStatusPending,
		})
	}
	return samples, nil
}

func statusFor(bamPath string) domain.SampleStatus {
	info, err := os.Stat(bamPath)
	if err != nil || !info.Mode().IsRegular() {
		return domain.SampleStatusMissing
	}
	return domain.SampleStatusValid
}

func copySamples(in []domain.Sample) []domain.Sample {
	out := make([]domain.Sample, len(in))
	copy(out, in)
	return out
}
