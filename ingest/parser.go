package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Parser turns one source file into candidates. emit is called in file order;
// an error from emit aborts the parse.
type Parser interface {
	Parse(ctx context.Context, path, stationID string, emit func(Candidate) error) (ParseSummary, error)
}

// ParseIssue is a rejected line or a value that was coerced to missing.
type ParseIssue struct {
	Line   int
	Reason string
}

func (i ParseIssue) String() string { return fmt.Sprintf("line %d: %s", i.Line, i.Reason) }

type ParseSummary struct {
	// TotalLines counts non-blank lines.
	TotalLines int
	Emitted    int
	Rejected   []ParseIssue
	Warnings   []ParseIssue
}

const sourceDateLayout = "20060102"

// FlatFileParser reads the tab separated YYYYMMDD, max, min, precip format.
// Files ending in .gz are decompressed on the fly.
type FlatFileParser struct {
	log *zap.Logger
}

func NewFlatFileParser(log *zap.Logger) *FlatFileParser {
	if log == nil {
		log = zap.NewNop()
	}
	return &FlatFileParser{log: log}
}

func (p *FlatFileParser) Parse(ctx context.Context, path, stationID string, emit func(Candidate) error) (ParseSummary, error) {
	var sum ParseSummary
	f, err := os.Open(path)
	if err != nil {
		return sum, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.EqualFold(filepath.Ext(path), ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return sum, fmt.Errorf("gzip %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if lineNo%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		sum.TotalLines++

		c, warnings, reject := parseLine(line, lineNo)
		for _, w := range warnings {
			sum.Warnings = append(sum.Warnings, ParseIssue{Line: lineNo, Reason: w})
		}
		if reject != "" {
			sum.Rejected = append(sum.Rejected, ParseIssue{Line: lineNo, Reason: reject})
			p.log.Debug("line rejected", zap.String("file", path), zap.Int("line", lineNo), zap.String("reason", reject))
			continue
		}
		c.StationID = stationID
		if err := emit(c); err != nil {
			return sum, err
		}
		sum.Emitted++
	}
	if err := sc.Err(); err != nil {
		return sum, fmt.Errorf("read %s: %w", path, err)
	}
	return sum, nil
}

// parseLine returns the candidate, the warnings for coerced values, and a
// non-empty reject reason when the line is unusable.
func parseLine(line string, lineNo int) (Candidate, []string, string) {
	parts := strings.Split(line, "\t")
	if len(parts) != 4 {
		return Candidate{}, nil, fmt.Sprintf("expected 4 fields, got %d", len(parts))
	}
	dateStr := strings.TrimSpace(parts[0])
	date, err := time.Parse(sourceDateLayout, dateStr)
	if err != nil {
		return Candidate{}, nil, fmt.Sprintf("invalid date %q", dateStr)
	}

	var warnings []string
	value := func(field, s string) Measurement {
		s = strings.TrimSpace(s)
		v, err := strconv.Atoi(s)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("invalid %s value %q", field, s))
			return Missing()
		}
		if v == MissingSentinel {
			return Missing()
		}
		return Present(v)
	}
	maxTemp := value("max_temp", parts[1])
	minTemp := value("min_temp", parts[2])
	precip := value("precipitation", parts[3])

	hi, okHi := maxTemp.Get()
	lo, okLo := minTemp.Get()
	if okHi && okLo && hi < lo {
		return Candidate{}, warnings, fmt.Sprintf("max temp (%d) < min temp (%d)", hi, lo)
	}
	if v, ok := precip.Get(); ok && v < 0 {
		warnings = append(warnings, fmt.Sprintf("negative precipitation (%d)", v))
		precip = Missing()
	}

	return Candidate{
		Date:          NormalizeDate(date),
		MaxTemp:       maxTemp,
		MinTemp:       minTemp,
		Precipitation: precip,
		Line:          lineNo,
	}, warnings, ""
}

// StationIDFromPath derives the station id from the file name with every
// extension removed: data/USC00110072.txt.gz -> USC00110072.
func StationIDFromPath(path string) string {
	base := filepath.Base(path)
	if i := strings.Index(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}
