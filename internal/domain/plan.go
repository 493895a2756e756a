package domain

import (
	"errors"
	"strings"
)

// Stage names of the fixed pipeline, in execution order.
const (
	StageGenotypeCalling = "genotype_calling"
	StageImputation      = "imputation"
	StageIBDDetection    = "ibd_detection"
)

// StageOrder lists the pipeline stages in dependency order.
var StageOrder = []string{StageGenotypeCalling, StageImputation, StageIBDDetection}

// StageUnit is one external command invocation inside a stage. Units of the
// same stage are independent of each other; a unit depends on every unit of
// the preceding stage through its declared Inputs.
type StageUnit struct {
	Stage   string
	Key     string
	Command []string
	Inputs  []string
	Outputs []string
}

func (u StageUnit) Validate() error {
	if strings.TrimSpace(u.Stage) == "" {
		return errors.New("stage is required")
	}
	if strings.TrimSpace(u.Key) == "" {
		return errors.New("unit key is required")
	}
	if len(u.Command) == 0 {
		return errors.New("command is required")
	}
	return nil
}

// WorkflowPlan is a read-only projection of {registry snapshot, modern input,
// regions, cores}. It is built immediately before a preview or run and is
// never mutated afterwards.
type WorkflowPlan struct {
	ModernSample     string
	Regions          []string
	Cores            int
	SnapshotRevision uint64
	Units            []StageUnit
}

// StageUnits returns the plan's units for one stage, in plan order.
func (p WorkflowPlan) StageUnits(stage string) []StageUnit {
	out := make([]StageUnit, 0, len(p.Units))
	for _, unit := range p.Units {
		if unit.Stage == stage {
			out = append(out, unit)
		}
	}
	return out
}
