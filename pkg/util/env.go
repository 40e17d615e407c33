// Package util holds small helpers shared across the tree.
package util

import (
	"os"
	"strconv"
)

// Env returns the variable's value or def when unset or empty.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvBool parses the variable as a bool, returning def when unset or
// unparsable.
func EnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
