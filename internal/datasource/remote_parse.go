package datasource

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	apperrors "github.com/Guliveer/vitalis/telemetry/internal/errors"
	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// parseDF reads the data row of `df -kP <mount>`:
//
//	Filesystem 1024-blocks Used Available Capacity Mounted on
//	/dev/sda1    41152736 8123456  31012345      21% /
func parseDF(out []byte) (Usage, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return Usage{}, apperrors.New(apperrors.ErrCodeParseMalformed, "df: no data row")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return Usage{}, apperrors.Newf(apperrors.ErrCodeParseMalformed, "df: short row %q", lines[len(lines)-1])
	}
	var kb [3]uint64
	for i := range kb {
		v, err := strconv.ParseUint(fields[i+1], 10, 64)
		if err != nil {
			return Usage{}, apperrors.Wrap(apperrors.ErrCodeParseMalformed, "df: bad number", err)
		}
		kb[i] = v
	}
	return Usage{
		Total: kb[0] * 1024,
		Used:  kb[1] * 1024,
		Free:  kb[2] * 1024,
	}, nil
}

// parseThermalZones picks the hottest valid reading from millidegree lines.
func parseThermalZones(out []byte) float64 {
	hottest := models.TemperatureUnavailable
	for _, line := range strings.Fields(string(out)) {
		milli, err := strconv.ParseFloat(line, 64)
		if err != nil {
			continue
		}
		c := milli / 1000
		if validTemperature(c) && c > hottest {
			hottest = c
		}
	}
	return hottest
}

// parsePS reads `ps -eo pid=,rss=,times=,etimes=,comm=`. comm may contain
// spaces, so everything after the fourth column is the name.
func parsePS(out []byte, tickRate int64) map[int32]RawProcess {
	procs := make(map[int32]RawProcess)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		pid, err := strconv.ParseInt(fields[0], 10, 32)
		if err != nil {
			continue
		}
		rss, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		cpuSec, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			continue
		}
		age, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			continue
		}
		procs[int32(pid)] = RawProcess{
			Name:       strings.Join(fields[4:], " "),
			RSSKB:      rss,
			CPUTicks:   ticksFromSeconds(cpuSec, tickRate),
			AgeSeconds: age,
		}
	}
	return procs
}

// parseIPAddr reads `ip -o -4 addr show` lines such as
//
//	2: eth0    inet 10.0.0.5/24 brd 10.0.0.255 scope global eth0
//
// and keeps the first address of each interface.
func parseIPAddr(out []byte) map[string]string {
	addrs := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[2] != "inet" {
			continue
		}
		name := strings.TrimSuffix(fields[1], ":")
		if i := strings.IndexByte(name, '@'); i >= 0 {
			name = name[:i]
		}
		if _, seen := addrs[name]; seen {
			continue
		}
		ip, _, _ := strings.Cut(fields[3], "/")
		addrs[name] = ip
	}
	return addrs
}
