// Package workflow translates a registry snapshot, a modern individual and a
// region set into a deterministic multi-stage execution plan.
package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/kaburi0214/amIBD/internal/domain"
)

var (
	ErrEmptyRegistry    = errors.New("no valid samples in registry")
	ErrMissingReference = errors.New("missing reference data")
	ErrInvalidCoreCount = errors.New("invalid core count")
)

// Builder constructs WorkflowPlans. Building is a pure function of its inputs:
// it inspects the filesystem read-only and never creates or modifies files.
type Builder struct {
	tools    ToolConfig
	capacity func() int
}

func NewBuilder(tools ToolConfig) (*Builder, error) {
	if err := tools.Validate(); err != nil {
		return nil, err
	}
	return &Builder{tools: tools, capacity: runtime.NumCPU}, nil
}

// Build produces the ordered stage/unit list for one preview or run request.
// The same arguments always yield a structurally identical plan.
func (b *Builder) Build(snapshot domain.RegistrySnapshot, modernSample string, regions []string, cores int) (domain.WorkflowPlan, error) {
	modernSample = strings.TrimSpace(modernSample)
	if modernSample == "" {
		return domain.WorkflowPlan{}, errors.New("modern sample is required")
	}
	if cores <= 0 {
		return domain.WorkflowPlan{}, fmt.Errorf("%w: %d", ErrInvalidCoreCount, cores)
	}
	if limit := b.capacity(); cores > limit {
		return domain.WorkflowPlan{}, fmt.Errorf("%w: %d exceeds host capacity %d", ErrInvalidCoreCount, cores, limit)
	}

	samples := snapshot.ValidSamples()
	if len(samples) == 0 {
		return domain.WorkflowPlan{}, ErrEmptyRegistry
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i].ID < samples[j].ID })

	regions = normalizeRegions(regions)
	if len(regions) == 0 {
		return domain.WorkflowPlan{}, errors.New("at least one region is required")
	}

	if err := b.checkReferenceData(regions); err != nil {
		return domain.WorkflowPlan{}, err
	}
	if _, err := os.Stat(modernSample); err != nil {
		return domain.WorkflowPlan{}, fmt.Errorf("modern sample file: %w", err)
	}

	coresArg := strconv.Itoa(cores)
	units := make([]domain.StageUnit, 0, len(samples)+2*len(regions))

	glFiles := make([]string, 0, len(samples))
	for _, sample := range samples {
		out := b.glPath(sample.ID)
		glFiles = append(glFiles, out)
		units = append(units, domain.StageUnit{
			Stage: domain.StageGenotypeCalling,
			Key:   sample.ID,
			Command: b.render(domain.StageGenotypeCalling, map[string]string{
				phBAM:    sample.BAMPath,
				phSample: sample.ID,
				phGenome: b.tools.Reference.Genome,
				phCores:  coresArg,
				phOut:    out,
			}, nil),
			Inputs:  []string{sample.BAMPath, b.tools.Reference.Genome},
			Outputs: []string{out},
		})
	}

	phased := make(map[string]string, len(regions))
	for _, region := range regions {
		out := b.phasedPath(region)
		phased[region] = out
		units = append(units, domain.StageUnit{
			Stage: domain.StageImputation,
			Key:   region,
			Command: b.render(domain.StageImputation, map[string]string{
				phRegion: region,
				phPanel:  b.tools.Reference.HaplotypePanel,
				phMap:    b.geneticMapPath(region),
				phCores:  coresArg,
				phOut:    out,
			}, glFiles),
			Inputs:  append(append([]string{}, glFiles...), b.tools.Reference.HaplotypePanel, b.geneticMapPath(region)),
			Outputs: []string{out},
		})
	}

	for _, region := range regions {
		out := b.segmentPath(region)
		units = append(units, domain.StageUnit{
			Stage: domain.StageIBDDetection,
			Key:   region,
			Command: b.render(domain.StageIBDDetection, map[string]string{
				phRegion: region,
				phPhased: phased[region],
				phModern: modernSample,
				phCores:  coresArg,
				phOut:    out,
			}, nil),
			Inputs:  []string{phased[region], modernSample},
			Outputs: []string{out},
		})
	}

	return domain.WorkflowPlan{
		ModernSample:     modernSample,
		Regions:          regions,
		Cores:            cores,
		SnapshotRevision: snapshot.Revision,
		Units:            units,
	}, nil
}

// SegmentFiles returns the per-region raw segment paths a completed run leaves
// behind, in region order. The aggregator consumes exactly these.
func (b *Builder) SegmentFiles(regions []string) []string {
	regions = normalizeRegions(regions)
	out := make([]string, 0, len(regions))
	for _, region := range regions {
		out = append(out, b.segmentPath(region))
	}
	return out
}

func (b *Builder) checkReferenceData(regions []string) error {
	if _, err := os.Stat(b.tools.Reference.Genome); err != nil {
		return fmt.Errorf("%w: genome %s", ErrMissingReference, b.tools.Reference.Genome)
	}
	if _, err := os.Stat(b.tools.Reference.HaplotypePanel); err != nil {
		return fmt.Errorf("%w: haplotype panel %s", ErrMissingReference, b.tools.Reference.HaplotypePanel)
	}
	for _, region := range regions {
		mapPath := b.geneticMapPath(region)
		if _, err := os.Stat(mapPath); err != nil {
			return fmt.Errorf("%w: genetic map %s", ErrMissingReference, mapPath)
		}
	}
	return nil
}

func (b *Builder) render(stage string, subs map[string]string, glFiles []string) []string {
	tmpl := b.tools.Stages[stage].Command
	out := make([]string, 0, len(tmpl)+len(glFiles))
	for _, token := range tmpl {
		if token == phGLFiles {
			out = append(out, glFiles...)
			continue
		}
		for placeholder, value := range subs {
			token = strings.ReplaceAll(token, placeholder, value)
		}
		out = append(out, token)
	}
	return out
}

func (b *Builder) glPath(sampleID string) string {
	return filepath.Join(b.tools.WorkDir, "03_gl", sampleID+".vcf.gz")
}

func (b *Builder) phasedPath(region string) string {
	return filepath.Join(b.tools.WorkDir, "05_phased", "chr"+region+".vcf.gz")
}

func (b *Builder) segmentPath(region string) string {
	return filepath.Join(b.tools.WorkDir, "06_ibd", "chr"+region+".ibd.tsv")
}

func (b *Builder) geneticMapPath(region string) string {
	return filepath.Join(b.tools.Reference.GeneticMapDir, "chr"+region+".map")
}

// normalizeRegions trims, de-duplicates and sorts region labels. Numeric
// chromosomes sort numerically so chr10 follows chr9, not chr1.
func normalizeRegions(regions []string) []string {
	seen := make(map[string]struct{}, len(regions))
	out := make([]string, 0, len(regions))
	for _, region := range regions {
		region = strings.TrimSpace(region)
		if region == "" {
			continue
		}
		if _, dup := seen[region]; dup {
			continue
		}
		seen[region] = struct{}{}
		out = append(out, region)
	}
	sort.Slice(out, func(i, j int) bool {
		a, aerr := strconv.Atoi(out[i])
		b, berr := strconv.Atoi(out[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		if aerr == nil {
			return true
		}
		if berr == nil {
			return false
		}
		return out[i] < out[j]
	})
	return out
}
