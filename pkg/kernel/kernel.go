// Package kernel reads and compares the version of the running kernel.
package kernel

import (
	"fmt"

	"github.com/brickingsoft/errors"
)

var ErrUnknownVersion = errors.Define("kernel: unknown kernel version")

type Version struct {
	Kernel int
	Major  int
	Minor  int
	Flavor string
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Kernel, v.Major, v.Minor, v.Flavor)
}

// GTE reports whether v is at least kernel.major.minor.
func (v Version) GTE(kernel, major, minor int) bool {
	return Compare(v, Version{Kernel: kernel, Major: major, Minor: minor}) >= 0
}

func Compare(a, b Version) int {
	if a.Kernel != b.Kernel {
		return cmp(a.Kernel, b.Kernel)
	}
	if a.Major != b.Major {
		return cmp(a.Major, b.Major)
	}
	return cmp(a.Minor, b.Minor)
}

func cmp(a, b int) int {
	if a > b {
		return 1
	} else if a < b {
		return -1
	}
	return 0
}

// Parse accepts releases such as "6.8.0-45-generic", "5.6" or "4.19.112+".
func Parse(release string) (v Version, err error) {
	var partial string
	parsed, _ := fmt.Sscanf(release, "%d.%d%s", &v.Kernel, &v.Major, &partial)
	if parsed < 2 {
		err = errors.From(ErrUnknownVersion, errors.WithMeta("release", release))
		return
	}
	if parsed, _ = fmt.Sscanf(partial, ".%d%s", &v.Minor, &v.Flavor); parsed < 1 {
		v.Flavor = partial
	}
	return
}

// Check reports whether the running kernel is at least kernel.major.minor.
func Check(kernel, major, minor int) (bool, error) {
	v, err := Get()
	if err != nil {
		return false, err
	}
	return v.GTE(kernel, major, minor), nil
}
