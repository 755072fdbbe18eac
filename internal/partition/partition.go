package partition

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultFilename is the object name stored under every year/month prefix.
const DefaultFilename = "data.parquet"

// Bound is a calendar month used as one end of an inclusive range.
type Bound struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// Valid reports whether the month is within 1..12. Years are not checked.
func (b Bound) Valid() bool {
	return b.Month >= 1 && b.Month <= 12
}

// Compare returns -1, 0 or +1 comparing b and o as (year, month) tuples.
func (b Bound) Compare(o Bound) int {
	switch {
	case b.Year < o.Year:
		return -1
	case b.Year > o.Year:
		return 1
	case b.Month < o.Month:
		return -1
	case b.Month > o.Month:
		return 1
	}
	return 0
}

// Before reports whether b is strictly earlier than o.
func (b Bound) Before(o Bound) bool {
	return b.Compare(o) < 0
}

func (b Bound) String() string {
	return fmt.Sprintf("%d/%02d", b.Year, b.Month)
}

// MaxYear is the largest year ParseBound accepts.
const MaxYear = 9999

// ParseBound parses "YYYY-MM" or "YYYY/MM". Both parts must be plain digits,
// the year at most four of them, and the month must be within 1..12.
func ParseBound(s string) (Bound, error) {
	sep := strings.IndexAny(s, "-/")
	if sep <= 0 || sep == len(s)-1 {
		return Bound{}, fmt.Errorf("invalid month %q: expected YYYY-MM", s)
	}
	yearStr, monthStr := s[:sep], s[sep+1:]
	if !isDigits(yearStr) || !isDigits(monthStr) || len(yearStr) > 4 || len(monthStr) > 2 {
		return Bound{}, fmt.Errorf("invalid month %q: expected YYYY-MM", s)
	}

	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return Bound{}, fmt.Errorf("invalid year in %q: %w", s, err)
	}
	month, err := strconv.Atoi(monthStr)
	if err != nil {
		return Bound{}, fmt.Errorf("invalid month in %q: %w", s, err)
	}

	b := Bound{Year: year, Month: month}
	if !b.Valid() {
		return Bound{}, fmt.Errorf("invalid month %q: month must be between 1 and 12", s)
	}
	return b, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Count returns the number of months from `from` to `to`, both inclusive.
// A reversed range counts as zero.
func Count(from, to Bound) int {
	n := (to.Year-from.Year)*12 + (to.Month - from.Month) + 1
	if n < 0 {
		return 0
	}
	return n
}

// Layout describes where monthly partitions live: <Prefix>/<year>/<MM>/<Filename>.
type Layout struct {
	Prefix   string
	Filename string
}

// Resolve lists the partition paths for every month from `from` to `to`
// inclusive, oldest first. A reversed range yields no paths.
func (l Layout) Resolve(from, to Bound) []string {
	prefix := strings.TrimSuffix(l.Prefix, "/")
	filename := l.Filename
	if filename == "" {
		filename = DefaultFilename
	}

	paths := make([]string, 0, Count(from, to))
	for year := from.Year; year <= to.Year; year++ {
		monthStart := 1
		if year == from.Year {
			monthStart = from.Month
		}
		monthEnd := 12
		if year == to.Year {
			monthEnd = to.Month
		}
		for month := monthStart; month <= monthEnd; month++ {
			paths = append(paths, fmt.Sprintf("%s/%d/%02d/%s", prefix, year, month, filename))
		}
	}
	return paths
}

// Resolve lists the default-named partitions under prefix. See Layout.Resolve.
func Resolve(from, to Bound, prefix string) []string {
	return Layout{Prefix: prefix}.Resolve(from, to)
}
