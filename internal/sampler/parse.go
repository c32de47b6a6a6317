package sampler

import (
	"bufio"
	"context"
	"strconv"
	"strings"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
)

// ReadLines returns the lines of a stream.
func ReadLines(ctx context.Context, src datasource.DataSource, name datasource.StreamName) ([]string, error) {
	r, err := src.Stream(ctx, name)
	if err != nil {
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, apperrors.WrapWithContext(apperrors.ErrCodeSourceUnavailable,
			"reading stream", err, map[string]any{"stream": string(name)})
	}
	return lines, nil
}

// ParseMemInfo reads "Key:   value kB" lines into a map of kilobyte values.
func ParseMemInfo(lines []string) map[string]uint64 {
	out := make(map[string]uint64, len(lines))
	for _, line := range lines {
		key, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(key)] = v
	}
	return out
}

// ReadMemTotal returns MemTotal in kilobytes.
func ReadMemTotal(ctx context.Context, src datasource.DataSource) (uint64, error) {
	lines, err := ReadLines(ctx, src, datasource.StreamMemInfo)
	if err != nil {
		return 0, err
	}
	total, ok := ParseMemInfo(lines)["MemTotal"]
	if !ok || total == 0 {
		return 0, apperrors.New(apperrors.ErrCodeParseMalformed, "meminfo: no MemTotal")
	}
	return total, nil
}

// parseUints parses every field as an unsigned integer.
func parseUints(fields []string) ([]uint64, error) {
	out := make([]uint64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeParseMalformed, "bad counter", err)
		}
		out[i] = v
	}
	return out, nil
}
