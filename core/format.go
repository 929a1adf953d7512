package core

import (
	"math"
	"strconv"
)

// magnitudes are tried largest first; the first exponent the value reaches
// wins.
var magnitudes = []struct {
	exp    int
	suffix string
}{
	{15, "P"},
	{12, "T"},
	{9, "G"},
	{6, "M"},
	{3, "K"},
}

// Truncate formats a bits/s magnitude the way link labels show it:
// 1_200_000_000 -> "1.2G", 450_000_000 -> "450M", 999 -> "999".
// Digits are truncated, never rounded, and a trailing ".0" is dropped.
// Zero (and NaN) render as the empty string.
func Truncate(v float64) string {
	if v == 0 || math.IsNaN(v) {
		return ""
	}
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	for _, m := range magnitudes {
		if v < math.Pow10(m.exp) {
			continue
		}
		// Divide by 10^(exp-1) so the tenths digit survives as an integer;
		// this keeps 1.2e9 from becoming 1.1999999.
		tenths := int64(math.Floor(v / math.Pow10(m.exp-1)))
		whole, frac := tenths/10, tenths%10
		if frac == 0 {
			return sign + strconv.FormatInt(whole, 10) + m.suffix
		}
		return sign + strconv.FormatInt(whole, 10) + "." + strconv.FormatInt(frac, 10) + m.suffix
	}
	return sign + strconv.FormatInt(int64(v), 10)
}
