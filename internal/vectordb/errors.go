package vectordb

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectivityError reports that the store could not be reached.
type ConnectivityError struct {
	Address string
	Err     error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("cannot reach vector store at %s: %v", e.Address, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// StoreError reports an operation the store itself rejected.
type StoreError struct {
	Op      string
	Code    int
	Message string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s failed (code %d): %s", e.Op, e.Code, e.Message)
}

// IsAlreadyExists reports whether err is a store rejection caused by an
// object that already exists.
func IsAlreadyExists(err error) bool {
	var serr *StoreError
	if !errors.As(err, &serr) {
		return false
	}
	msg := strings.ToLower(serr.Message)
	return strings.Contains(msg, "already exist") || strings.Contains(msg, "duplicate")
}
