// Package intake validates and normalizes user-supplied input files before
// they reach the registry or a plan: modern 23andMe genotype files and ancient
// BAM files.
package intake

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var ErrInvalidGenotypeFile = errors.New("invalid 23andMe genotype file")

// genotypeHeader is the canonical normalized header.
var genotypeHeader = []string{"# rsid", "chromosome", "position", "genotype"}

var bareDataLine = regexp.MustCompile(`^[#a-zA-Z0-9\s,-]*$`)

// NormalizeGenotypes converts a raw 23andMe export into the canonical
// 4-column, tab-separated form: delimiter detection (tab or comma), optional
// header, 5-column allele pairs merged into one genotype column, `00` mapped
// to `--`. Any invalid line aborts the whole conversion; nothing is emitted on
// error beyond what was already written.
func NormalizeGenotypes(r io.Reader, w io.Writer) error {
	buffered := bufio.NewReader(r)
	firstLine, err := buffered.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalidGenotypeFile, err)
	}
	trimmed := strings.TrimSpace(firstLine)

	var comma rune
	switch {
	case strings.Contains(trimmed, "\t"):
		comma = '\t'
	case strings.Contains(trimmed, ","):
		comma = ','
	default:
		return fmt.Errorf("%w: requires tab or comma delimiter", ErrInvalidGenotypeFile)
	}

	lower := strings.ToLower(trimmed)
	isHeader := strings.Contains(lower, "chromosome") || strings.Contains(lower, "position")
	if !isHeader && !bareDataLine.MatchString(trimmed) {
		return fmt.Errorf("%w: first line is neither a header nor a data line", ErrInvalidGenotypeFile)
	}

	var source io.Reader = buffered
	if !isHeader {
		source = io.MultiReader(strings.NewReader(firstLine), buffered)
	}

	reader := csv.NewReader(source)
	reader.Comma = comma
	reader.FieldsPerRecord = -1

	writer := csv.NewWriter(w)
	writer.Comma = '\t'
	if err := writer.Write(genotypeHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	line := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidGenotypeFile, err)
		}
		line++
		if len(row) == 1 && strings.TrimSpace(row[0]) == "" {
			continue
		}

		var rsid, chrom, pos, geno string
		switch len(row) {
		case 4:
			rsid, chrom, pos, geno = row[0], row[1], row[2], row[3]
		case 5:
			rsid, chrom, pos = row[0], row[1], row[2]
			geno = row[3] + row[4]
		default:
			return fmt.Errorf("%w: line %d: expected 4 or 5 columns, got %d", ErrInvalidGenotypeFile, line, len(row))
		}

		chrom = strings.TrimSpace(chrom)
		pos = strings.TrimSpace(pos)
		geno = strings.TrimSpace(geno)

		if !validChromosome(chrom) {
			return fmt.Errorf("%w: line %d: chromosome %q", ErrInvalidGenotypeFile, line, chrom)
		}
		if _, err := strconv.Atoi(pos); err != nil {
			return fmt.Errorf("%w: line %d: position %q", ErrInvalidGenotypeFile, line, pos)
		}
		if !validGenotype(geno) {
			return fmt.Errorf("%w: line %d: genotype %q", ErrInvalidGenotypeFile, line, geno)
		}
		if geno == "00" {
			geno = "--"
		}
		if err := writer.Write([]string{strings.TrimSpace(rsid), chrom, pos, geno}); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// NormalizeGenotypeFile normalizes src into dst, removing dst on failure so a
// half-written output never survives.
func NormalizeGenotypeFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open genotype file: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create normalized file: %w", err)
	}

	if err := NormalizeGenotypes(in, out); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}

// validChromosome accepts X, Y, XY, MT or an integer in 0..26.
func validChromosome(chrom string) bool {
	switch strings.ToUpper(chrom) {
	case "X", "Y", "XY", "MT":
		return true
	}
	n, err := strconv.Atoi(chrom)
	if err != nil {
		return false
	}
	return n >= 0 && n <= 26
}

// validGenotype accepts only the characters A, C, T, G, D, I, - and 0.
func validGenotype(geno string) bool {
	if geno == "" {
		return false
	}
	for _, c := range geno {
		switch c {
		case 'A', 'C', 'T', 'G', 'D', 'I', '-', '0':
		default:
			return false
		}
	}
	return true
}
