//go:build sqlite_vec && cgo

package vector

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension as auto-loadable; it provides
	// vector_distance_cos natively.
	vec.Auto()
}
