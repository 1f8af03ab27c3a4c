package rasterfetch

import (
	"fmt"
	"strconv"
	"strings"
)

var byteUnits = map[byte]int64{
	'k': 1 << 10,
	'm': 1 << 20,
	'g': 1 << 30,
	't': 1 << 40,
}

// parseBytes reads sizes such as "512", "64kb", "1.5g" or "256 MB".
// Units are binary.
func parseBytes(s string) (int64, error) {
	raw := s
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSpace(strings.TrimSuffix(s, "b"))
	if s == "" {
		return 0, fmt.Errorf("invalid size %q", raw)
	}

	mult := int64(1)
	if m, ok := byteUnits[s[len(s)-1]]; ok {
		mult = m
		s = strings.TrimSpace(s[:len(s)-1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size %q", raw)
	}
	return int64(v * float64(mult)), nil
}
