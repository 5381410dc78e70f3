package transfer

import (
	"strconv"
	"strings"
	"time"
)

// Local ISO-8601 forms without a zone. They are read in local time.
var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime reads a client supplied timestamp. It accepts RFC 3339, the
// local ISO-8601 forms above and decimal epoch seconds with an optional
// fraction. The second result is false when s is empty or unparsable, which
// callers treat as "no timestamp supplied".
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	for _, layout := range localLayouts {
		// Fractional seconds after the seconds field are accepted by Parse.
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return parseEpoch(s)
}

// parseEpoch parses "seconds[.fraction]" without going through float64, so
// nanosecond mtimes survive a round trip.
func parseEpoch(s string) (time.Time, bool) {
	secPart, fracPart, hasFrac := strings.Cut(s, ".")
	if secPart == "" && !hasFrac {
		return time.Time{}, false
	}

	var sec int64
	if secPart != "" {
		if !allDigits(strings.TrimPrefix(secPart, "-")) {
			return time.Time{}, false
		}
		v, err := strconv.ParseInt(secPart, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		sec = v
	}

	var nsec int64
	if hasFrac {
		if fracPart == "" || !allDigits(fracPart) {
			return time.Time{}, false
		}
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		fracPart += strings.Repeat("0", 9-len(fracPart))
		v, err := strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		nsec = v
		if strings.HasPrefix(secPart, "-") {
			nsec = -nsec
		}
	}

	return time.Unix(sec, nsec), true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// FormatModTime renders t as decimal epoch seconds. The fraction is
// omitted for whole seconds and otherwise trimmed of trailing zeros.
func FormatModTime(t time.Time) string {
	sec := t.Unix()
	nsec := t.Nanosecond()
	if nsec == 0 {
		return strconv.FormatInt(sec, 10)
	}
	frac := strings.TrimRight(strconv.FormatInt(int64(nsec)+1e9, 10)[1:], "0")
	return strconv.FormatInt(sec, 10) + "." + frac
}
