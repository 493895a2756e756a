package domain

import (
	"errors"
	"path/filepath"
	"strings"
)

// SampleStatus tracks whether a registered BAM path resolves to a real file.
type SampleStatus string

const (
	SampleStatusPending SampleStatus = "pending"
	SampleStatusValid   SampleStatus = "valid"
	SampleStatusMissing SampleStatus = "missing"
)

// Sample is one ancient individual registered for the pipeline.
type Sample struct {
	ID      string
	BAMPath string
	Status  SampleStatus
}

func (s Sample) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("sample id is required")
	}
	if strings.TrimSpace(s.BAMPath) == "" {
		return errors.New("bam path is required")
	}
	if !strings.EqualFold(filepath.Ext(s.BAMPath), ".bam") {
		return errors.New("bam path must end in .bam")
	}
	switch s.Status {
	case SampleStatusPending, SampleStatusValid, SampleStatusMissing:
		return nil
	default:
		return errors.New("unknown sample status")
	}
}

// RegistrySnapshot is an immutable, ordered copy of the registry taken at plan
// build time. Revision identifies the registry generation it was taken from.
type RegistrySnapshot struct {
	Samples  []Sample
	Revision uint64
}

// ValidSamples returns the subset of samples whose BAM file was confirmed
// present at snapshot time, preserving registry order.
func (s RegistrySnapshot) ValidSamples() []Sample {
	out := make([]Sample, 0, len(s.Samples))
	for _, sample := range s.Samples {
		if sample.Status == SampleStatusValid {
			out = append(out, sample)
		}
	}
	return out
}
