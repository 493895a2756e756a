package registry

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/kaburi0214/amIBD/internal/domain"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dir := t.TempDir()
	bamDir := filepath.Join(dir, "anc_bam")
	if err := os.MkdirAll(bamDir, 0o755); err != nil {
		t.Fatalf("mkdir bam dir: %v", err)
	}
	r, err := Open(filepath.Join(dir, "config", "anc_samples.tsv"), bamDir)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return r, bamDir
}

func writeBAM(t *testing.T, bamDir, name string) string {
	t.Helper()
	path := filepath.Join(bamDir, name)
	if err := os.WriteFile(path, []byte("BAM\x01"), 0o644); err != nil {
		t.Fatalf("write bam: %v", err)
	}
	return path
}

func TestAddAndSnapshot(t *testing.T) {
	r, bamDir := newTestRegistry(t)
	path := writeBAM(t, bamDir, "VK2020.bam")

	if err := r.Add("VK2020", path); err != nil {
		t.Fatalf("add: %v", err)
	}

	snap := r.Snapshot()
	if len(snap.Samples) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(snap.Samples))
	}
	got := snap.Samples[0]
	if got.ID != "VK2020" || got.BAMPath != path || got.Status != domain.SampleStatusValid {
		t.Fatalf("unexpected sample: %+v", got)
	}
	if snap.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", snap.Revision)
	}
}

func TestAddDuplicateIdentifier(t *testing.T) {
	r, bamDir := newTestRegistry(t)
	path := writeBAM(t, bamDir, "RISE493.bam")

	if err := r.Add("RISE493", path); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := r.Add("RISE493", path)
	if !errors.Is(err, ErrDuplicateIdentifier) {
		t.Fatalf("expected ErrDuplicateIdentifier, got %v", err)
	}
}

func TestAddMissingFileLeavesRegistryUnchanged(t *testing.T) {
	r, bamDir := newTestRegistry(t)
	before := r.Snapshot()

	err := r.Add("S1", filepath.Join(bamDir, "missing.bam"))
	if !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}

	after := r.Snapshot()
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("registry changed after failed add: %+v vs %+v", before, after)
	}
}

func TestAddRejectsPathOutsideBAMDir(t *testing.T) {
	r, _ := newTestRegistry(t)
	outside := filepath.Join(t.TempDir(), "stray.bam")
	if err := os.WriteFile(outside, []byte("BAM\x01"), 0o644); err != nil {
		t.Fatalf("write bam: %v", err)
	}

	if err := r.Add("S1", outside); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestAddRejectsNonBAMExtension(t *testing.T) {
	r, bamDir := newTestRegistry(t)
	path := filepath.Join(bamDir, "notes.txt")
	if err := os.WriteFile(path, []byte("text"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if err := r.Add("S1", path); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	r, bamDir := newTestRegistry(t)
	path := writeBAM(t, bamDir, "NEO752.bam")

	if err := r.Add("NEO752", path); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Remove("NEO752"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := len(r.Snapshot().Samples); got != 0 {
		t.Fatalf("expected empty registry, got %d samples", got)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("remove must not delete the bam file: %v", err)
	}

	if err := r.Remove("NEO752"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bamDir := filepath.Join(dir, "anc_bam")
	if err := os.MkdirAll(bamDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	tablePath := filepath.Join(dir, "anc_samples.tsv")

	r, err := Open(tablePath, bamDir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pathA := writeBAM(t, bamDir, "A.bam")
	pathB := writeBAM(t, bamDir, "B.bam")
	if err := r.Add("A", pathA); err != nil {
		t.Fatalf("add A: %v", err)
	}
	if err := r.Add("B", pathB); err != nil {
		t.Fatalf("add B: %v", err)
	}

	raw, err := os.ReadFile(tablePath)
	if err != nil {
		t.Fatalf("read table: %v", err)
	}
	if !strings.HasPrefix(string(raw), "sample_name\tbam\tstatus\n") {
		t.Fatalf("unexpected table header: %q", string(raw))
	}

	reopened, err := Open(tablePath, bamDir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	snap := reopened.Snapshot()
	if len(snap.Samples) != 2 || snap.Samples[0].ID != "A" || snap.Samples[1].ID != "B" {
		t.Fatalf("unexpected reloaded samples: %+v", snap.Samples)
	}
}

func TestReloadMarksMissingFiles(t *testing.T) {
	dir := t.TempDir()
	bamDir := filepath.Join(dir, "anc_bam")
	if err := os.MkdirAll(bamDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	tablePath := filepath.Join(dir, "anc_samples.tsv")

	r, err := Open(tablePath, bamDir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	path := writeBAM(t, bamDir, "GONE.bam")
	if err := r.Add("GONE", path); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove bam: %v", err)
	}

	reopened, err := Open(tablePath, bamDir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	snap := reopened.Snapshot()
	if snap.Samples[0].Status != domain.SampleStatusMissing {
		t.Fatalf("expected missing status, got %s", snap.Samples[0].Status)
	}
}

func TestOpenRejectsDuplicateRows(t *testing.T) {
	dir := t.TempDir()
	tablePath := filepath.Join(dir, "anc_samples.tsv")
	table := "sample_name\tbam\tstatus\nX\ta.bam\tpending\nX\tb.bam\tpending\n"
	if err := os.WriteFile(tablePath, []byte(table), 0o644); err != nil {
		t.Fatalf("write table: %v", err)
	}

	if _, err := Open(tablePath, dir); !errors.Is(err, ErrDuplicateIdentifier) {
		t.Fatalf("expected ErrDuplicateIdentifier, got %v", err)
	}
}
