// Package version provides parsing and ordering of heterogeneous version strings.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Shape identifies which grammar a version string was parsed with.
type Shape string

// String constants for version shapes
const (
	ShapeSemVer  Shape = "semver"
	ShapeCalVer  Shape = "calver"
	ShapeNumeric Shape = "numeric"
	ShapeUnknown Shape = "unknown"
)

// prereleaseKeywords mark a version string as a prerelease when present
// anywhere in its lowercased form.
var prereleaseKeywords = []string{
	"alpha", "beta", "rc", "pre", "preview",
	"snapshot", "dev", "nightly", "canary", "experimental",
}

var (
	semverRe  = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(?:-([0-9A-Za-z.-]+))?(?:\+([0-9A-Za-z.-]+))?$`)
	calverRe  = regexp.MustCompile(`^v?(\d{2}|\d{4})\.(\d{1,2})(?:\.(\d{1,2}))?(?:\.(\d+))?(?:-([0-9A-Za-z.-]+))?$`)
	numericRe = regexp.MustCompile(`^v?(\d+)(?:\.(\d+))?(?:\.(\d+))?(?:\.(\d+))?(?:-([0-9A-Za-z.-]+))?$`)
	runsRe    = regexp.MustCompile(`\d+|\D+`)
)

// Version is the parsed form of a version string. Exactly one shape applies;
// the shape-specific fields are meaningful only for that shape.
type Version struct {
	Shape    Shape
	Original string

	// SemVer, ordered by the semver library
	semver *semver.Version

	// CalVer
	Year     int
	Month    int
	Day      int
	Micro    int
	Modifier string

	// Numeric: major, minor, patch, build
	Parts  [4]int
	Suffix string

	// Normalized form used for generic string comparison. Populated for
	// every shape so mismatched shapes always have a comparison key.
	Normalized string
}

// Parse maps a version string to exactly one shape, trying the SemVer, CalVer
// and Numeric grammars in that order and falling back to Unknown. Surrounding
// whitespace is trimmed; a leading "v" is accepted by every grammar.
func Parse(text string) Version {
	trimmed := strings.TrimSpace(text)
	v := Version{
		Shape:      ShapeUnknown,
		Original:   trimmed,
		Normalized: normalize(trimmed),
	}
	if trimmed == "" {
		return v
	}

	if semverRe.MatchString(trimmed) {
		if sv, err := semver.NewVersion(trimmed); err == nil {
			v.Shape = ShapeSemVer
			v.semver = sv
			return v
		}
	}

	if m := calverRe.FindStringSubmatch(trimmed); m != nil {
		year := atoi(m[1])
		if len(m[1]) == 2 {
			if year < 50 {
				year += 2000
			} else {
				year += 1900
			}
		}
		month := atoi(m[2])
		day := 1
		if m[3] != "" {
			day = atoi(m[3])
		}
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			v.Shape = ShapeCalVer
			v.Year = year
			v.Month = month
			v.Day = day
			if m[4] != "" {
				v.Micro = atoi(m[4])
			}
			v.Modifier = m[5]
			return v
		}
	}

	if m := numericRe.FindStringSubmatch(trimmed); m != nil {
		v.Shape = ShapeNumeric
		for i := 0; i < 4; i++ {
			if m[i+1] != "" {
				v.Parts[i] = atoi(m[i+1])
			}
		}
		v.Suffix = m[5]
		return v
	}

	return v
}

// normalize produces the best-effort comparison key for a version string:
// release-/version- prefixes and a leading "v" stripped, lowercased.
func normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimPrefix(s, "release-")
	s = strings.TrimPrefix(s, "version-")
	s = strings.TrimPrefix(s, "v")
	return s
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Compare orders two parsed versions: -1 when v is older than other, 0 when
// equal, 1 when newer. Mismatched shapes and Unknown versions fall back to
// the generic digit-run comparator over the normalized forms. An empty
// version is older than any non-empty version.
func (v Version) Compare(other Version) int {
	if v.Original == "" || other.Original == "" {
		switch {
		case v.Original == "" && other.Original == "":
			return 0
		case v.Original == "":
			return -1
		default:
			return 1
		}
	}

	if v.Shape != other.Shape || v.Shape == ShapeUnknown {
		return compareStrings(v.Normalized, other.Normalized)
	}

	switch v.Shape {
	case ShapeSemVer:
		return v.semver.Compare(other.semver)
	case ShapeCalVer:
		if c := compareInts(v.Year, other.Year); c != 0 {
			return c
		}
		if c := compareInts(v.Month, other.Month); c != 0 {
			return c
		}
		if c := compareInts(v.Day, other.Day); c != 0 {
			return c
		}
		if c := compareInts(v.Micro, other.Micro); c != 0 {
			return c
		}
		return compareModifiers(v.Modifier, other.Modifier)
	default: // ShapeNumeric
		for i := 0; i < 4; i++ {
			if c := compareInts(v.Parts[i], other.Parts[i]); c != 0 {
				return c
			}
		}
		return compareModifiers(v.Suffix, other.Suffix)
	}
}

// compareModifiers orders trailing modifier/suffix strings. Absence is newer
// than presence of any modifier.
func compareModifiers(a, b string) int {
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	default:
		return compareStrings(a, b)
	}
}

// compareStrings is the generic comparator: both strings are split into runs
// of digits and non-digits, digit runs compare numerically and the rest
// lexically, position by position. With an otherwise-equal prefix the string
// with fewer runs is older.
func compareStrings(a, b string) int {
	if a == b {
		return 0
	}
	aruns := runsRe.FindAllString(a, -1)
	bruns := runsRe.FindAllString(b, -1)

	for i := 0; i < len(aruns) && i < len(bruns); i++ {
		ar, br := aruns[i], bruns[i]
		an, aerr := strconv.Atoi(ar)
		bn, berr := strconv.Atoi(br)
		if aerr == nil && berr == nil {
			if c := compareInts(an, bn); c != 0 {
				return c
			}
			continue
		}
		if ar != br {
			if ar < br {
				return -1
			}
			return 1
		}
	}
	return compareInts(len(aruns), len(bruns))
}

func compareInts(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Comparator orders raw version strings and decides download eligibility
type Comparator interface {
	// Compare returns -1, 0 or 1 ordering a against b.
	Compare(a, b string) int

	// IsNewer reports whether candidate should replace stored. An empty
	// stored version is older than any candidate. When includePrereleases
	// is false, prerelease candidates are never newer.
	IsNewer(candidate, stored string, includePrereleases bool) bool

	// IsPrerelease reports whether text contains any prerelease keyword.
	IsPrerelease(text string) bool
}

// shapeComparator implements Comparator over parsed Version values
type shapeComparator struct{}

// New creates a new version comparator.
func New() Comparator {
	return &shapeComparator{}
}

func (c *shapeComparator) Compare(a, b string) int {
	return Parse(a).Compare(Parse(b))
}

func (c *shapeComparator) IsNewer(candidate, stored string, includePrereleases bool) bool {
	if !includePrereleases && c.IsPrerelease(candidate) {
		return false
	}
	if strings.TrimSpace(stored) == "" {
		return true
	}
	return c.Compare(candidate, stored) > 0
}

func (c *shapeComparator) IsPrerelease(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range prereleaseKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// String renders the parsed version for logs and error messages.
func (v Version) String() string {
	switch v.Shape {
	case ShapeSemVer:
		return fmt.Sprintf("semver(%s)", v.semver.String())
	case ShapeCalVer:
		return fmt.Sprintf("calver(%04d.%02d.%02d.%d%s)", v.Year, v.Month, v.Day, v.Micro, dash(v.Modifier))
	case ShapeNumeric:
		return fmt.Sprintf("numeric(%d.%d.%d.%d%s)", v.Parts[0], v.Parts[1], v.Parts[2], v.Parts[3], dash(v.Suffix))
	default:
		return fmt.Sprintf("unknown(%s)", v.Normalized)
	}
}

func dash(s string) string {
	if s == "" {
		return ""
	}
	return "-" + s
}
