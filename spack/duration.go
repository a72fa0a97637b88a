package spack

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// durationToken matches one "<number><unit>" component at the start of a
// duration string. ms is tried before m so "500ms" is not mistaken for a
// 500-minute component missing its "s".
var durationToken = regexp.MustCompile(`^(\d+)(ms|d|h|m|s)`)

// ParseDuration parses the catalogue's compact duration notation
// "<d>d<h>h<m>m<s>s<ms>ms" (every component optional, present components
// appear in that order) into a time.Duration. This is the config-loading
// side of the frequency/duration/interval fields, run before a value ever
// reaches PackGlobalOptions/PackTask; the unpacker leaves the wire value
// as a plain millisecond integer, never this notation.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	rest := s
	var total time.Duration
	for rest != "" {
		m := durationToken.FindStringSubmatch(rest)
		if m == nil {
			return 0, errors.Errorf("spack: unparsed duration remainder %q in %q", rest, s)
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, errors.Wrapf(err, "spack: bad duration component %q in %q", m[1], s)
		}
		var unit time.Duration
		switch m[2] {
		case "d":
			unit = 24 * time.Hour
		case "h":
			unit = time.Hour
		case "m":
			unit = time.Minute
		case "s":
			unit = time.Second
		case "ms":
			unit = time.Millisecond
		}
		total += time.Duration(n) * unit
		rest = rest[len(m[0]):]
	}
	return total, nil
}

// FormatDuration renders d back into the compact notation ParseDuration
// accepts. It is mostly useful for tests and diagnostics; the wire form
// never carries the string, only the millisecond integer.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "0ms"
	}
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	mins := d / time.Minute
	d -= mins * time.Minute
	secs := d / time.Second
	d -= secs * time.Second
	ms := d / time.Millisecond

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if hours > 0 {
		fmt.Fprintf(&b, "%dh", hours)
	}
	if mins > 0 {
		fmt.Fprintf(&b, "%dm", mins)
	}
	if secs > 0 {
		fmt.Fprintf(&b, "%ds", secs)
	}
	if ms > 0 {
		fmt.Fprintf(&b, "%dms", ms)
	}
	return b.String()
}
