package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/kaburi0214/amIBD/internal/domain"
)

type fixture struct {
	builder  *Builder
	snapshot domain.RegistrySnapshot
	modern   string
}

func newFixture(t *testing.T, sampleIDs ...string) fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := DefaultToolConfig()
	cfg.WorkDir = filepath.Join(dir, "results")
	cfg.Reference.Genome = writeFile(t, dir, "reference/hs37d5.fa")
	cfg.Reference.HaplotypePanel = writeFile(t, dir, "panel/1000g_phased")
	cfg.Reference.GeneticMapDir = filepath.Join(dir, "maps")
	for _, region := range []string{"1", "2", "10"} {
		writeFile(t, dir, filepath.Join("maps", "chr"+region+".map"))
	}

	b, err := NewBuilder(cfg)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	b.capacity = func() int { return 8 }

	samples := make([]domain.Sample, 0, len(sampleIDs))
	for _, id := range sampleIDs {
		samples = append(samples, domain.Sample{
			ID:      id,
			BAMPath: writeFile(t, dir, filepath.Join("anc_bam", id+".bam")),
			Status:  domain.SampleStatusValid,
		})
	}

	return fixture{
		builder:  b,
		snapshot: domain.RegistrySnapshot{Samples: samples, Revision: 3},
		modern:   writeFile(t, dir, "testind/modern_processed.txt"),
	}
}

func writeFile(t *testing.T, dir, rel string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return path
}

func TestBuildDeterministic(t *testing.T) {
	f := newFixture(t, "RISE493", "VK2020", "NEO752")

	first, err := f.builder.Build(f.snapshot, f.modern, []string{"2", "1"}, 4)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := f.builder.Build(f.snapshot, f.modern, []string{"2", "1"}, 4)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("identical inputs produced different plans")
	}
}

func TestBuildStageLayout(t *testing.T) {
	f := newFixture(t, "B", "A")

	plan, err := f.builder.Build(f.snapshot, f.modern, []string{"10", "1", "2"}, 4)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	calling := plan.StageUnits(domain.StageGenotypeCalling)
	if len(calling) != 2 || calling[0].Key != "A" || calling[1].Key != "B" {
		t.Fatalf("unexpected genotype calling units: %+v", calling)
	}

	imputation := plan.StageUnits(domain.StageImputation)
	if len(imputation) != 3 {
		t.Fatalf("expected 3 imputation units, got %d", len(imputation))
	}
	if imputation[0].Key != "1" || imputation[1].Key != "2" || imputation[2].Key != "10" {
		t.Fatalf("regions not in numeric order: %+v", imputation)
	}

	// Stage N outputs feed stage N+1 inputs.
	for _, unit := range imputation {
		for _, glUnit := range calling {
			if !contains(unit.Inputs, glUnit.Outputs[0]) {
				t.Fatalf("imputation unit %s missing input %s", unit.Key, glUnit.Outputs[0])
			}
		}
	}
	detection := plan.StageUnits(domain.StageIBDDetection)
	if len(detection) != 3 {
		t.Fatalf("expected 3 detection units, got %d", len(detection))
	}
	for i, unit := range detection {
		if !contains(unit.Inputs, imputation[i].Outputs[0]) {
			t.Fatalf("detection unit %s missing phased input", unit.Key)
		}
		if !contains(unit.Inputs, f.modern) {
			t.Fatalf("detection unit %s missing modern input", unit.Key)
		}
	}
}

func TestBuildEmptyRegistry(t *testing.T) {
	f := newFixture(t)

	_, err := f.builder.Build(f.snapshot, f.modern, []string{"1"}, 4)
	if !errors.Is(err, ErrEmptyRegistry) {
		t.Fatalf("expected ErrEmptyRegistry, got %v", err)
	}

	// Samples whose file went missing do not count either.
	f = newFixture(t, "A")
	f.snapshot.Samples[0].Status = domain.SampleStatusMissing
	_, err = f.builder.Build(f.snapshot, f.modern, []string{"1"}, 4)
	if !errors.Is(err, ErrEmptyRegistry) {
		t.Fatalf("expected ErrEmptyRegistry, got %v", err)
	}
}

func TestBuildCoreCountBounds(t *testing.T) {
	f := newFixture(t, "A")

	if _, err := f.builder.Build(f.snapshot, f.modern, []string{"1"}, 0); !errors.Is(err, ErrInvalidCoreCount) {
		t.Fatalf("expected ErrInvalidCoreCount for 0, got %v", err)
	}
	if _, err := f.builder.Build(f.snapshot, f.modern, []string{"1"}, 9); !errors.Is(err, ErrInvalidCoreCount) {
		t.Fatalf("expected ErrInvalidCoreCount above capacity, got %v", err)
	}
	if _, err := f.builder.Build(f.snapshot, f.modern, []string{"1"}, 8); err != nil {
		t.Fatalf("capacity cores must succeed: %v", err)
	}
}

func TestBuildMissingReference(t *testing.T) {
	f := newFixture(t, "A")
	if err := os.Remove(f.builder.tools.Reference.Genome); err != nil {
		t.Fatalf("remove genome: %v", err)
	}

	_, err := f.builder.Build(f.snapshot, f.modern, []string{"1"}, 4)
	if !errors.Is(err, ErrMissingReference) {
		t.Fatalf("expected ErrMissingReference, got %v", err)
	}
}

func TestBuildMissingGeneticMap(t *testing.T) {
	f := newFixture(t, "A")

	_, err := f.builder.Build(f.snapshot, f.modern, []string{"21"}, 4)
	if !errors.Is(err, ErrMissingReference) {
		t.Fatalf("expected ErrMissingReference for unmapped region, got %v", err)
	}
}

func TestBuildTouchesNoFiles(t *testing.T) {
	f := newFixture(t, "A")

	if _, err := f.builder.Build(f.snapshot, f.modern, []string{"1"}, 4); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := os.Stat(f.builder.tools.WorkDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("build must not create the work dir: %v", err)
	}
}

func TestParseToolConfigOverrides(t *testing.T) {
	cfg, err := ParseToolConfig([]byte("workdir: out\nreference:\n  genome: ref.fa\n  genetic_map_dir: maps\n  haplotype_panel: panel\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.WorkDir != "out" || cfg.Reference.Genome != "ref.fa" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Stages["imputation"].Command) == 0 {
		t.Fatalf("default stage commands must survive partial config")
	}
}

func TestParseToolConfigRejectsMissingStage(t *testing.T) {
	_, err := ParseToolConfig([]byte("stages:\n  genotype_calling:\n    command: []\n"))
	if err == nil {
		t.Fatalf("expected error for empty stage command")
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
