package domain

import (
	"errors"
	"strings"
)

// IBDSegment is one detected shared-ancestry interval between the modern
// individual and an ancient sample. LengthCM carries the parsed value used for
// filtering and totals; LengthText preserves the source text verbatim so
// report output never drifts from the detector's rounding.
type IBDSegment struct {
	Chromosome string
	Start      int64
	End        int64
	ModernID   string
	AncientID  string
	LengthCM   float64
	LengthText string
}

func (s IBDSegment) Validate() error {
	if strings.TrimSpace(s.Chromosome) == "" {
		return errors.New("chromosome is required")
	}
	if s.Start < 0 {
		return errors.New("start must be >= 0")
	}
	if s.Start >= s.End {
		return errors.New("start must be < end")
	}
	if strings.TrimSpace(s.ModernID) == "" {
		return errors.New("modern id is required")
	}
	if strings.TrimSpace(s.AncientID) == "" {
		return errors.New("ancient id is required")
	}
	if s.LengthCM <= 0 {
		return errors.New("length must be positive")
	}
	return nil
}

// ReportRow is one segment in the final report along with the total shared
// length of its (chromosome, start, end) group.
type ReportRow struct {
	Chromosome   string
	Start        int64
	End          int64
	ModernID     string
	AncientID    string
	LengthText   string
	GroupTotalCM float64
}

// Report is the ordered, filtered aggregation of all per-chromosome segment
// files for one completed job. It is never mutated after construction.
type Report struct {
	Rows []ReportRow
}
