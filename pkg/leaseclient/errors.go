package leaseclient

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the server has no lease for the key.
var ErrNotFound = errors.New("leaseclient: lease not found")

// ConflictError is returned when the platform's username is locked with a
// different value by another workflow.
type ConflictError struct {
	Platform       string
	LockedUsername string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("username conflict: platform=%s locked=%s", e.Platform, e.LockedUsername)
}

// UnexpectedStatusError is returned for any response the client does not
// understand.
type UnexpectedStatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status: %s %s -> %d body=%q", e.Method, e.Path, e.Code, e.Body)
}
