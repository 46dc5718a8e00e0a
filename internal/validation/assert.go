// Package validation provides helpers for contract enforcement in constructors.
package validation

import "fmt"

// AssertNotNil panics if the provided pointer is nil.
// Intended for wiring phases where a dependency is mandatory: a nil here is
// a programmer error, not a runtime condition, so failing fast is correct.
//
// Usage:
//
//	validation.AssertNotNil(pool, "database pool")
func AssertNotNil[T any](ptr *T, name string) {
	if ptr == nil {
		panic(fmt.Sprintf("critical error: %s cannot be nil", name))
	}
}
