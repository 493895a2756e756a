// Package report consolidates raw per-chromosome IBD segment files into the
// final sorted, filtered report.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kaburi0214/amIBD/internal/domain"
)

var ErrMalformedSegment = errors.New("malformed segment file")

// MinSegmentCM is the shared-length cutoff: only segments strictly longer than
// this appear in the report.
const MinSegmentCM = 8.0

type segmentGroup struct {
	chromosome string
	start      int64
	end        int64
	total      float64
	segments   []domain.IBDSegment
}

// Aggregate parses every segment from every per-chromosome file, drops
// segments of MinSegmentCM or shorter, groups the rest by genomic region,
// and sorts groups descending by total shared length (ties by chromosome
// ascending, then start ascending). Either the whole report is produced or an
// error is returned; there is no partial output.
func Aggregate(files []string) (domain.Report, error) {
	segments := make([]domain.IBDSegment, 0, 64)
	for _, path := range files {
		parsed, err := parseFile(path)
		if err != nil {
			return domain.Report{}, err
		}
		segments = append(segments, parsed...)
	}
	return build(segments), nil
}

func build(segments []domain.IBDSegment) domain.Report {
	groups := make(map[string]*segmentGroup)
	order := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.LengthCM <= MinSegmentCM {
			continue
		}
		key := fmt.Sprintf("%s:%d:%d", seg.Chromosome, seg.Start, seg.End)
		group, ok := groups[key]
		if !ok {
			group = &segmentGroup{chromosome: seg.Chromosome, start: seg.Start, end: seg.End}
			groups[key] = group
			order = append(order, key)
		}
		group.total += seg.LengthCM
		group.segments = append(group.segments, seg)
	}

	sorted := make([]*segmentGroup, 0, len(order))
	for _, key := range order {
		sorted = append(sorted, groups[key])
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.total != b.total {
			return a.total > b.total
		}
		if a.chromosome != b.chromosome {
			return chromosomeLess(a.chromosome, b.chromosome)
		}
		return a.start < b.start
	})

	rows := make([]domain.ReportRow, 0, len(segments))
	for _, group := range sorted {
		for _, seg := range group.segments {
			rows = append(rows, domain.ReportRow{
				Chromosome:   seg.Chromosome,
				Start:        seg.Start,
				End:          seg.End,
				ModernID:     seg.ModernID,
				AncientID:    seg.AncientID,
				LengthText:   seg.LengthText,
				GroupTotalCM: group.total,
			})
		}
	}
	return domain.Report{Rows: rows}
}

func parseFile(path string) ([]domain.IBDSegment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedSegment, path, err)
	}
	defer func() { _ = f.Close() }()

	segments, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedSegment, path, err)
	}
	return segments, nil
}

// parse reads one tab-separated segment table: chromosome, start, end,
// modern id, ancient id, length in cM. A leading header row is tolerated.
func parse(r io.Reader) ([]domain.IBDSegment, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1

	segments := make([]domain.IBDSegment, 0, 32)
	line := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line++
		if line == 1 && isHeader(row) {
			continue
		}
		if len(row) != 6 {
			return nil, fmt.Errorf("line %d: expected 6 columns, got %d", line, len(row))
		}

		start, err := strconv.ParseInt(strings.TrimSpace(row[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: start: %v", line, err)
		}
		end, err := strconv.ParseInt(strings.TrimSpace(row[2]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: end: %v", line, err)
		}
		lengthText := strings.TrimSpace(row[5])
		length, err := strconv.ParseFloat(lengthText, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: length: %v", line, err)
		}

		seg := domain.IBDSegment{
			Chromosome: strings.TrimSpace(row[0]),
			Start:      start,
			End:        end,
			ModernID:   strings.TrimSpace(row[3]),
			AncientID:  strings.TrimSpace(row[4]),
			LengthCM:   length,
			LengthText: lengthText,
		}
		if err := seg.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %v", line, err)
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func isHeader(row []string) bool {
	if len(row) == 0 {
		return false
	}
	first := strings.ToLower(strings.TrimSpace(row[0]))
	return strings.HasPrefix(first, "#") || first == "chromosome" || first == "chrom" || first == "ch"
}

func chromosomeLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	if aerr == nil {
		return true
	}
	if berr == nil {
		return false
	}
	return a < b
}

// WriteTSV renders the report rows with stable field order for the
// downloadable artifact.
func WriteTSV(w io.Writer, report domain.Report) error {
	writer := csv.NewWriter(w)
	writer.Comma = '\t'

	if err := writer.Write([]string{"chromosome", "start", "end", "modern_id", "ancient_id", "length_cM", "group_total_cM"}); err != nil {
		return fmt.Errorf("write report header: %w", err)
	}
	for _, row := range report.Rows {
		record := []string{
			row.Chromosome,
			strconv.FormatInt(row.Start, 10),
			strconv.FormatInt(row.End, 10),
			row.ModernID,
			row.AncientID,
			row.LengthText,
			strconv.FormatFloat(row.GroupTotalCM, 'f', -1, 64),
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write report row: %w", err)
		}
	}
	writer.Flush()
	return writer.Error()
}
