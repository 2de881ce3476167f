package eventtable

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimestamp indicates a value no known layout accepts.
var ErrInvalidTimestamp = errors.New("invalid timestamp format")

// Layouts tried after the ISO 8601 fast path, ordered by likelihood.
// Day-first and month-first variants are reordered by the detected order.
var commonLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"01/02/2006",
	"02.01.2006 15:04:05",
	"02.01.2006",
}

// TimestampParser parses event table time cells. An explicit layout wins;
// otherwise ISO 8601, Excel serial dates and commonLayouts are tried.
type TimestampParser struct {
	layout  string
	layouts []string
}

// NewTimestampParser returns a parser for layout ("" for auto-detection).
// samples resolve the DD/MM versus MM/DD ambiguity of slash dates.
func NewTimestampParser(layout string, samples []string) *TimestampParser {
	p := &TimestampParser{layout: layout, layouts: commonLayouts}
	if layout != "" {
		return p
	}
	d := NewDateAmbiguityDetector(256)
	for _, s := range samples {
		d.AddSample(s)
	}
	if d.DetectFormat() == "MDY" {
		p.layouts = monthFirst(commonLayouts)
	}
	return p
}

// monthFirst moves MM/DD layouts ahead of DD/MM ones.
func monthFirst(in []string) []string {
	var mdy, rest []string
	for _, l := range in {
		if strings.HasPrefix(l, "01/02") {
			mdy = append(mdy, l)
		} else {
			rest = append(rest, l)
		}
	}
	return append(mdy, rest...)
}

// Parse parses one cell.
func (p *TimestampParser) Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, ErrInvalidTimestamp
	}
	if p.layout != "" {
		return time.Parse(p.layout, s)
	}
	if len(s) >= 10 && s[4] == '-' && s[7] == '-' {
		if t, err := parseISO8601(s); err == nil {
			return t, nil
		}
	}
	if isNumeric(s) {
		return parseExcelSerial(s)
	}
	for _, layout := range p.layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, ErrInvalidTimestamp
}

// parseISO8601 reads YYYY-MM-DD[(T| )hh:mm:ss[.frac]][Z|±hh[:]mm] by
// direct byte arithmetic.
func parseISO8601(s string) (time.Time, error) {
	b := []byte(s)
	year := parseDigits(b[0:4])
	month := parseDigits(b[5:7])
	day := parseDigits(b[8:10])
	if year < 0 || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, ErrInvalidTimestamp
	}

	var hour, minute, second, nsec int
	loc := time.UTC
	rest := b[10:]
	if len(rest) > 0 {
		if rest[0] != 'T' && rest[0] != ' ' || len(b) < 19 || b[13] != ':' || b[16] != ':' {
			return time.Time{}, ErrInvalidTimestamp
		}
		hour = parseDigits(b[11:13])
		minute = parseDigits(b[14:16])
		second = parseDigits(b[17:19])
		if hour < 0 || minute < 0 || second < 0 {
			return time.Time{}, ErrInvalidTimestamp
		}
		i := 19
		if i < len(b) && b[i] == '.' {
			end := i + 1
			for end < len(b) && b[end] >= '0' && b[end] <= '9' {
				end++
			}
			nsec = parseFraction(b[i+1 : end])
			i = end
		}
		if i < len(b) {
			switch {
			case b[i] == 'Z' && i == len(b)-1:
			case (b[i] == '+' || b[i] == '-') && len(b)-i >= 3:
				zone := strings.ReplaceAll(string(b[i+1:]), ":", "")
				if len(zone) != 2 && len(zone) != 4 {
					return time.Time{}, ErrInvalidTimestamp
				}
				h := parseDigits([]byte(zone[:2]))
				m := 0
				if len(zone) == 4 {
					m = parseDigits([]byte(zone[2:]))
				}
				if h < 0 || m < 0 {
					return time.Time{}, ErrInvalidTimestamp
				}
				offset := h*3600 + m*60
				if b[i] == '-' {
					offset = -offset
				}
				loc = time.FixedZone("", offset)
			default:
				return time.Time{}, ErrInvalidTimestamp
			}
		}
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, nsec, loc), nil
}

// parseExcelSerial parses an Excel serial date (days since 1899-12-30).
func parseExcelSerial(s string) (time.Time, error) {
	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, ErrInvalidTimestamp
	}
	epoch := time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)
	days := int64(val)
	t := epoch.AddDate(0, 0, int(days))
	if frac := val - float64(days); frac > 0 {
		t = t.Add(time.Duration(frac * 24 * float64(time.Hour)).Round(time.Millisecond))
	}
	return t, nil
}

func parseDigits(b []byte) int {
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return -1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// parseFraction converts fractional seconds to nanoseconds.
func parseFraction(b []byte) int {
	result := 0
	multiplier := 100000000
	for i := 0; i < len(b) && i < 9; i++ {
		result += int(b[i]-'0') * multiplier
		multiplier /= 10
	}
	return result
}

func isNumeric(s string) bool {
	dots := 0
	for i, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c == '.' && dots == 0:
			dots++
		case c == '-' && i == 0:
		default:
			return false
		}
	}
	return s != ""
}

// DateAmbiguityDetector resolves DD/MM versus MM/DD from samples.
type DateAmbiguityDetector struct {
	samples    []string
	maxSamples int
}

// NewDateAmbiguityDetector creates a detector with the given sample size.
func NewDateAmbiguityDetector(maxSamples int) *DateAmbiguityDetector {
	return &DateAmbiguityDetector{maxSamples: maxSamples}
}

// AddSample records a timestamp sample.
func (d *DateAmbiguityDetector) AddSample(ts string) {
	if len(d.samples) < d.maxSamples {
		d.samples = append(d.samples, ts)
	}
}

// DetectFormat returns "DMY" for day-first, "MDY" for month-first or "YMD".
func (d *DateAmbiguityDetector) DetectFormat() string {
	dayFirst, monthFirst := 0, 0
	for _, s := range d.samples {
		parts := strings.FieldsFunc(s, func(r rune) bool { return r == '/' || r == '.' || r == ' ' })
		if len(parts) < 3 || len(parts[0]) > 2 {
			continue
		}
		first := parseDigits([]byte(parts[0]))
		second := parseDigits([]byte(parts[1]))
		if first > 12 {
			dayFirst++
		}
		if second > 12 {
			monthFirst++
		}
	}
	switch {
	case dayFirst > monthFirst:
		return "DMY"
	case monthFirst > dayFirst:
		return "MDY"
	default:
		return "YMD"
	}
}
