// Package api is the command boundary of the daemon. It validates caller
// errors synchronously and delegates to the engines; it never reaches the
// state machines with invalid input.
package api

import (
	"errors"
	"fmt"

	"github.com/rcsgo/rcsd/internal/store"
)

// Caller-error sentinels. Wrapped errors carry the offending detail.
var (
	ErrInvalidArgument = errors.New("api: invalid argument")
	ErrNotFound        = errors.New("api: not found")
	ErrUnsupported     = errors.New("api: unsupported")
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// mapStoreErr converts storage lookup failures into the boundary's own
// sentinel.
func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
