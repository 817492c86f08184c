package semver

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Version is a Semantic Versioning 2.0.0 identifier. Build metadata is
// carried but ignored for ordering.
type Version struct {
	Major      uint64 `json:"major"`
	Minor      uint64 `json:"minor"`
	Patch      uint64 `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
	Build      string `json:"build,omitempty"`
}

// Part selects which component Increment bumps.
type Part string

const (
	PartMajor Part = "major"
	PartMinor Part = "minor"
	PartPatch Part = "patch"
)

// Parse decodes MAJOR.MINOR.PATCH[-PRERELEASE][+BUILD]. A leading "v" is
// tolerated.
func Parse(raw string) (Version, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "v")
	if s == "" {
		return Version{}, fmt.Errorf("empty version")
	}

	var v Version
	if idx := strings.IndexByte(s, '+'); idx >= 0 {
		v.Build = s[idx+1:]
		s = s[:idx]
		if v.Build == "" {
			return Version{}, fmt.Errorf("invalid version %q: empty build metadata", raw)
		}
	}
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		v.Prerelease = s[idx+1:]
		s = s[:idx]
		if v.Prerelease == "" {
			return Version{}, fmt.Errorf("invalid version %q: empty prerelease", raw)
		}
	}

	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid version %q: expected MAJOR.MINOR.PATCH", raw)
	}
	nums := make([]uint64, 3)
	for i, part := range parts {
		if part == "" || (len(part) > 1 && part[0] == '0') {
			return Version{}, fmt.Errorf("invalid version %q: bad numeric component %q", raw, part)
		}
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version %q: %w", raw, err)
		}
		nums[i] = n
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]

	for _, id := range prereleaseIdentifiers(v.Prerelease) {
		if id == "" {
			return Version{}, fmt.Errorf("invalid version %q: empty prerelease identifier", raw)
		}
		if isNumericIdentifier(id) && len(id) > 1 && id[0] == '0' {
			return Version{}, fmt.Errorf("invalid version %q: leading zero in prerelease %q", raw, id)
		}
	}
	return v, nil
}

// MustParse parses or panics; for tests and static versions.
func MustParse(raw string) Version {
	v, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		b.WriteByte('-')
		b.WriteString(v.Prerelease)
	}
	if v.Build != "" {
		b.WriteByte('+')
		b.WriteString(v.Build)
	}
	return b.String()
}

// IsPrerelease reports whether the version carries a prerelease tag.
func (v Version) IsPrerelease() bool {
	return v.Prerelease != ""
}

// Core returns the version with prerelease and build stripped.
func (v Version) Core() Version {
	return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch}
}

// WithPrerelease returns a copy carrying the given prerelease tag.
func (v Version) WithPrerelease(pre string) Version {
	v.Prerelease = pre
	v.Build = ""
	return v
}

// Increment bumps the requested part, resetting lower parts and clearing
// prerelease/build. An unknown part bumps patch.
func (v Version) Increment(part Part) Version {
	switch part {
	case PartMajor:
		return Version{Major: v.Major + 1}
	case PartMinor:
		return Version{Major: v.Major, Minor: v.Minor + 1}
	default:
		return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch + 1}
	}
}

// Compare orders versions per SemVer 2.0.0: numeric core first, then
// prerelease (a prerelease sorts below the same release core). Build
// metadata never participates.
func Compare(a, b Version) int {
	if c := compareUint(a.Major, b.Major); c != 0 {
		return c
	}
	if c := compareUint(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := compareUint(a.Patch, b.Patch); c != 0 {
		return c
	}
	return comparePrerelease(a.Prerelease, b.Prerelease)
}

// Equal reports ordering equality (build metadata ignored).
func (v Version) Equal(o Version) bool {
	return Compare(v, o) == 0
}

func compareUint(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func comparePrerelease(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return 1
	}
	if b == "" {
		return -1
	}
	aids := prereleaseIdentifiers(a)
	bids := prereleaseIdentifiers(b)
	for i := 0; i < len(aids) && i < len(bids); i++ {
		if c := compareIdentifier(aids[i], bids[i]); c != 0 {
			return c
		}
	}
	return compareUint(uint64(len(aids)), uint64(len(bids)))
}

func compareIdentifier(a, b string) int {
	aNum := isNumericIdentifier(a)
	bNum := isNumericIdentifier(b)
	switch {
	case aNum && bNum:
		an, _ := strconv.ParseUint(a, 10, 64)
		bn, _ := strconv.ParseUint(b, 10, 64)
		return compareUint(an, bn)
	case aNum:
		return -1
	case bNum:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func prereleaseIdentifiers(pre string) []string {
	if pre == "" {
		return nil
	}
	return strings.Split(pre, ".")
}

func isNumericIdentifier(s string) bool {
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

// SortKey renders a lexicographically sortable key whose ordering matches
// Compare. Releases use a high sentinel so prereleases of the same core
// sort before the release; numeric prerelease identifiers are zero-padded
// so byte order matches their numeric order.
func (v Version) SortKey() string {
	pre := "~"
	if v.Prerelease != "" {
		ids := prereleaseIdentifiers(v.Prerelease)
		for i, id := range ids {
			if isNumericIdentifier(id) {
				n, _ := strconv.ParseUint(id, 10, 64)
				ids[i] = fmt.Sprintf("%012d", n)
			}
		}
		pre = "-" + strings.Join(ids, ".")
	}
	return fmt.Sprintf("%012d.%012d.%012d%s", v.Major, v.Minor, v.Patch, pre)
}

// MarshalJSON renders the version as its canonical string.
func (v Version) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(v.String())), nil
}

// UnmarshalJSON accepts either a quoted version string or the struct form.
func (v *Version) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		raw, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		parsed, err := Parse(raw)
		if err != nil {
			return err
		}
		*v = parsed
		return nil
	}
	type alias Version
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*v = Version(a)
	return nil
}
