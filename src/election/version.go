package election

import (
	"strconv"
	"strings"
)

// CompareVersions compares dotted version strings component by component.
// Numeric components are compared as numbers, others as strings, and missing
// components count as "0". The result is -1, 0 or +1.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		x, y := "0", "0"
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}

		xi, errx := strconv.Atoi(x)
		yi, erry := strconv.Atoi(y)

		if errx == nil && erry == nil {
			if xi < yi {
				return -1
			}
			if xi > yi {
				return 1
			}
			continue
		}

		if c := strings.Compare(x, y); c != 0 {
			return c
		}
	}

	return 0
}
