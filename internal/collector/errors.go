package collector

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a user or key does not exist, remotely or in
// storage.
var ErrNotFound = errors.New("not found")

// FetchError reports a network failure or a non-2xx response.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a page or payload that did not have the expected shape.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IdentityRedirect signals that the site answered for a different user token
// than the one requested.
type IdentityRedirect struct {
	From UID
	To   UID
}

func (e *IdentityRedirect) Error() string {
	return fmt.Sprintf("identity redirect %s -> %s", e.From, e.To)
}

// PersistenceError wraps a storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
