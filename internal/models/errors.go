package models

import (
	"errors"
	"fmt"
)

// ErrInvalidSide matches every *InvalidSideError through errors.Is.
var ErrInvalidSide = errors.New("invalid side")

// InvalidSideError is returned when an operation needs a long or short side.
type InvalidSideError struct {
	Side Side
}

func (e *InvalidSideError) Error() string {
	return fmt.Sprintf("invalid side %q: want long or short", string(e.Side))
}

// Is lets errors.Is(err, ErrInvalidSide) match.
func (e *InvalidSideError) Is(target error) bool {
	return target == ErrInvalidSide
}
