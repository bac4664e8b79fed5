package filter

import (
	"strconv"
	"strings"
)

// AsInt parses v as an int, 0 on error
func AsInt(v string) int64 {
	val, _ := strconv.ParseInt(v, 0, 64)
	return val
}

// AsFloat parses v as a float64, 0.0 on error
func AsFloat(v string) float64 {
	val, _ := strconv.ParseFloat(v, 64)
	return val
}

// AsStringSlice splits v at commas
func AsStringSlice(v string) []string {
	return strings.Split(v, ",")
}
