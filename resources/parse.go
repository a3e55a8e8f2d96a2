package resources

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
)

var (
	socketsRe = regexp.MustCompile(`^(\d+)x(\d+)$`)
	genericRe = regexp.MustCompile(`^([A-Za-z0-9_\-]+)=(list|range|sum)\((.*)\)$`)
)

// ParseCpus reads "8" (one socket), "2x8" (sockets x cores) or an explicit
// JSON layout such as "[[0,1],[2,3]]".
func ParseCpus(s string) ([][]Index, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var groups [][]Index
		if err := json.Unmarshal([]byte(s), &groups); err != nil {
			return nil, errors.Wrapf(err, "invalid cpu layout %q", s)
		}
		return groups, nil
	}
	if m := socketsRe.FindStringSubmatch(s); m != nil {
		sockets, _ := strconv.Atoi(m[1])
		cores, _ := strconv.Atoi(m[2])
		return CpusFromSocketSize(sockets, cores), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return nil, errors.Errorf("invalid cpu count %q", s)
	}
	return SimpleCpus(n), nil
}

// ParseGeneric reads "gpus=list(0,1,3)", "gpus=range(0-3)" or "mem=sum(16GiB)".
func ParseGeneric(s string) (GenericDescriptor, error) {
	m := genericRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return GenericDescriptor{}, errors.Errorf("invalid resource descriptor %q", s)
	}
	g := GenericDescriptor{Name: m[1]}
	body := strings.TrimSpace(m[3])
	switch m[2] {
	case "list":
		g.Kind = KindList
		for _, part := range strings.Split(body, ",") {
			v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
			if err != nil {
				return g, errors.Wrapf(err, "invalid index in %q", s)
			}
			g.Values = append(g.Values, Index(v))
		}
	case "range":
		g.Kind = KindRange
		bounds := strings.SplitN(body, "-", 2)
		if len(bounds) != 2 {
			return g, errors.Errorf("invalid range in %q", s)
		}
		start, err := strconv.ParseUint(strings.TrimSpace(bounds[0]), 10, 32)
		if err != nil {
			return g, errors.Wrapf(err, "invalid range start in %q", s)
		}
		end, err := strconv.ParseUint(strings.TrimSpace(bounds[1]), 10, 32)
		if err != nil {
			return g, errors.Wrapf(err, "invalid range end in %q", s)
		}
		g.Start, g.End = Index(start), Index(end)
	case "sum":
		g.Kind = KindSum
		size, err := parseSize(body)
		if err != nil {
			return g, errors.Wrapf(err, "invalid size in %q", s)
		}
		g.Size = size
	}
	return g, nil
}

// parseSize accepts a plain decimal amount or a byte size like "16GiB".
func parseSize(s string) (Amount, error) {
	if s != "" && unicode.IsLetter(rune(s[len(s)-1])) {
		b, err := units.RAMInBytes(s)
		if err != nil {
			return 0, err
		}
		return Units(b), nil
	}
	return ParseAmount(s)
}

// ParseEntry reads one request entry: "cpus=4", "cpus=4 scatter",
// "cpus=8 compact!", "gpus=0.5", "mem=2GiB" or "gpus=all".
func ParseEntry(s string) (Entry, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return Entry{}, errors.Errorf("invalid resource request %q", s)
	}
	e := Entry{Resource: strings.TrimSpace(parts[0])}
	fields := strings.Fields(parts[1])
	if len(fields) == 0 {
		return e, errors.Errorf("invalid resource request %q", s)
	}
	if fields[0] == "all" {
		e.Policy = All
		return e, nil
	}
	amount, err := parseSize(fields[0])
	if err != nil {
		return e, errors.Wrapf(err, "invalid resource request %q", s)
	}
	e.Amount = amount
	if len(fields) > 1 {
		switch fields[1] {
		case "compact":
			e.Policy = Compact
		case "compact!":
			e.Policy = ForceCompact
		case "scatter":
			e.Policy = Scatter
		default:
			return e, errors.Errorf("unknown policy %q in %q", fields[1], s)
		}
	}
	return e, nil
}

// ParseRequest reads a comma separated list of entries, optionally with a
// "time>=<duration>" item for the minimal remaining worker lifetime.
func ParseRequest(s string) (Request, error) {
	var r Request
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.HasPrefix(item, "time>=") {
			d, err := time.ParseDuration(strings.TrimPrefix(item, "time>="))
			if err != nil {
				return r, errors.Wrapf(err, "invalid min time in %q", s)
			}
			r.MinTime = d
			continue
		}
		e, err := ParseEntry(item)
		if err != nil {
			return r, err
		}
		r.Entries = append(r.Entries, e)
	}
	return r, nil
}
