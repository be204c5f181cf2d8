package updater

import (
	"strconv"
	"strings"
)

// Version is a parsed semantic version. Dev builds ("dev", "dev-abc1234")
// and unparseable strings have Valid false.
type Version struct {
	Major, Minor, Patch int
	Prerelease          string
	Valid               bool
}

// ParseVersion parses "v1.2.3", "1.2.3" or "1.2.3-rc1".
func ParseVersion(s string) Version {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")

	var v Version
	core := s
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		core = s[:i]
		if s[i] == '-' {
			v.Prerelease = s[i+1:]
			if j := strings.IndexByte(v.Prerelease, '+'); j >= 0 {
				v.Prerelease = v.Prerelease[:j]
			}
		}
	}

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Version{}
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}
		}
		nums[i] = n
	}

	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	v.Valid = true
	return v
}

// IsDev reports whether the version is a development build.
func (v Version) IsDev() bool {
	return !v.Valid
}

// IsOlderThan reports whether v precedes other. A prerelease precedes the
// release with the same numbers.
func (v Version) IsOlderThan(other Version) bool {
	if !v.Valid || !other.Valid {
		return false
	}
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	if v.Patch != other.Patch {
		return v.Patch < other.Patch
	}
	if v.Prerelease == other.Prerelease {
		return false
	}
	if v.Prerelease == "" {
		return false
	}
	if other.Prerelease == "" {
		return true
	}
	return v.Prerelease < other.Prerelease
}

func (v Version) String() string {
	if !v.Valid {
		return "dev"
	}
	s := strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor) + "." + strconv.Itoa(v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}
