package workflow

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Placeholders substituted into stage command templates. A template token that
// is exactly {gl_files} expands to one argument per genotype-likelihood file.
const (
	phBAM     = "{bam}"
	phSample  = "{sample}"
	phRegion  = "{region}"
	phCores   = "{cores}"
	phGenome  = "{genome}"
	phMap     = "{map}"
	phPanel   = "{panel}"
	phModern  = "{modern}"
	phPhased  = "{phased}"
	phOut     = "{out}"
	phGLFiles = "{gl_files}"
)

// ReferenceConfig points at the external reference data every plan needs.
type ReferenceConfig struct {
	Genome         string `yaml:"genome"`
	GeneticMapDir  string `yaml:"genetic_map_dir"`
	HaplotypePanel string `yaml:"haplotype_panel"`
}

// StageConfig is one stage's external command template.
type StageConfig struct {
	Command []string `yaml:"command"`
}

// ToolConfig declares the external toolchain invoked by the pipeline. The
// engine treats each rendered command as a black box: exit 0 is success,
// anything else is a stage failure.
type ToolConfig struct {
	WorkDir   string                 `yaml:"workdir"`
	Reference ReferenceConfig        `yaml:"reference"`
	Stages    map[string]StageConfig `yaml:"stages"`
}

// DefaultToolConfig mirrors the toolchain of the original pipeline: bcftools
// genotype likelihoods, GLIMPSE imputation/phasing, ancIBD segment detection.
func DefaultToolConfig() ToolConfig {
	return ToolConfig{
		WorkDir: "results",
		Reference: ReferenceConfig{
			Genome:         "resources/reference/hs37d5.fa",
			GeneticMapDir:  "resources/genetic_maps",
			HaplotypePanel: "resources/panel/1000g_phased",
		},
		Stages: map[string]StageConfig{
			"genotype_calling": {
				Command: []string{
					"bcftools", "mpileup",
					"-f", phGenome,
					"--threads", phCores,
					"-Oz", "-o", phOut,
					phBAM,
				},
			},
			"imputation": {
				Command: []string{
					"glimpse_phase",
					"--reference", phPanel,
					"--map", phMap,
					"--region", phRegion,
					"--threads", phCores,
					"--output", phOut,
					phGLFiles,
				},
			},
			"ibd_detection": {
				Command: []string{
					"ancIBD-run",
					"--vcf", phPhased,
					"--modern", phModern,
					"--ch", phRegion,
					"--out", phOut,
				},
			},
		},
	}
}

// ParseToolConfig decodes a YAML tool config and fills omitted fields from the
// defaults.
func ParseToolConfig(input []byte) (ToolConfig, error) {
	cfg := DefaultToolConfig()
	if err := yaml.Unmarshal(input, &cfg); err != nil {
		return ToolConfig{}, fmt.Errorf("decode tool config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ToolConfig{}, err
	}
	return cfg, nil
}

// LoadToolConfig reads a YAML tool config file; a missing path yields the
// defaults.
func LoadToolConfig(path string) (ToolConfig, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultToolConfig(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ToolConfig{}, fmt.Errorf("read tool config: %w", err)
	}
	return ParseToolConfig(raw)
}

func (c ToolConfig) Validate() error {
	if strings.TrimSpace(c.WorkDir) == "" {
		return errors.New("workdir is required")
	}
	if strings.TrimSpace(c.Reference.Genome) == "" {
		return errors.New("reference genome is required")
	}
	if strings.TrimSpace(c.Reference.GeneticMapDir) == "" {
		return errors.New("genetic map dir is required")
	}
	if strings.TrimSpace(c.Reference.HaplotypePanel) == "" {
		return errors.New("haplotype panel is required")
	}
	for _, stage := range []string{"genotype_calling", "imputation", "ibd_detection"} {
		tmpl, ok := c.Stages[stage]
		if !ok || len(tmpl.Command) == 0 {
			return fmt.Errorf("stage %s: command template is required", stage)
		}
	}
	return nil
}
