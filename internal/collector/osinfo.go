// OS identity reader: hostname, kernel release and distribution.
// Reads the kernel's hostname and osrelease entries and /etc/os-release.
//
// Results are cached since identity rarely changes during runtime.
package collector

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/Guliveer/vitalis/telemetry/internal/datasource"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
	"github.com/Guliveer/vitalis/telemetry/internal/sampler"
)

// IdentityReader reads the host identity. Results are cached after the
// first complete read; partial reads are retried on the next tick.
type IdentityReader struct {
	cache *models.Identity
}

// NewIdentityReader creates a new identity reader.
func NewIdentityReader() *IdentityReader {
	return &IdentityReader{}
}

// Name returns the reader identifier.
func (r *IdentityReader) Name() string { return "identity" }

// Read fills out.Identity.
func (r *IdentityReader) Read(ctx context.Context, src datasource.DataSource, out *models.MetricsSnapshot) error {
	if r.cache != nil {
		out.Identity = *r.cache
		return nil
	}

	id := models.Identity{OSName: "Linux", OSVersion: "unknown"}
	var errs []error

	if host, err := readFirstLine(ctx, src, datasource.StreamHostname); err != nil {
		errs = append(errs, err)
	} else {
		id.Hostname = host
	}
	if kernel, err := readFirstLine(ctx, src, datasource.StreamKernelRelease); err != nil {
		errs = append(errs, err)
	} else {
		id.Kernel = kernel
	}
	if lines, err := sampler.ReadLines(ctx, src, datasource.StreamOSRelease); err != nil {
		errs = append(errs, err)
	} else {
		fields := parseKeyValueFile(strings.Join(lines, "\n"))
		if name, ok := fields["NAME"]; ok {
			id.OSName = strings.Trim(name, "\"")
		}
		if version, ok := fields["VERSION_ID"]; ok {
			id.OSVersion = strings.Trim(version, "\"")
		}
		// PRETTY_NAME carries the release name as well
		if pretty, ok := fields["PRETTY_NAME"]; ok {
			id.OSName = strings.Trim(pretty, "\"")
		}
	}

	out.Identity = id
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	r.cache = &id
	return nil
}

func readFirstLine(ctx context.Context, src datasource.DataSource, name datasource.StreamName) (string, error) {
	rd, err := src.Stream(ctx, name)
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(rd)
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(line), nil
}

// parseKeyValueFile parses a file with KEY=VALUE lines (like /etc/os-release).
func parseKeyValueFile(content string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			fields[parts[0]] = parts[1]
		}
	}
	return fields
}
