package internal

import "fmt"

// Panics if given non-nil error.
// Should be used only in case of non-recoverable developer error.
func PanicOnError(err error) {
	if err != nil {
		panic(err)
	}
}

// Panics with a formatted message when the given invariant does not hold.
func Assert(condition bool, format string, args ...any) {
	if !condition {
		PanicOnError(fmt.Errorf(format, args...))
	}
}
