// Package errs defines the error taxonomy shared by every component of the
// ETL core.
package errs

import (
	"errors"
	"fmt"
)

// TransientRemote indicates a network failure, 5xx response, or a
// feature-service "error" object with a code other than 498. The caller
// should retry within its backoff budget.
type TransientRemote struct {
	Op  string
	Err error
}

func (e *TransientRemote) Error() string {
	return fmt.Sprintf("transient remote error during %s: %v", e.Op, e.Err)
}

func (e *TransientRemote) Unwrap() error { return e.Err }

// AuthExpired indicates an HTTP 401 or feature-service error code 498. The
// caller should refresh its token and retry the operation exactly once.
type AuthExpired struct {
	Op string
}

func (e *AuthExpired) Error() string {
	return fmt.Sprintf("auth expired during %s", e.Op)
}

// RemoteFatal indicates a non-auth 4xx response, or a transient failure that
// outlasted the backoff budget. It propagates to the run coordinator and
// aborts the run.
type RemoteFatal struct {
	Op  string
	Err error
}

func (e *RemoteFatal) Error() string {
	return fmt.Sprintf("fatal remote error during %s: %v", e.Op, e.Err)
}

func (e *RemoteFatal) Unwrap() error { return e.Err }

// StorageFatal indicates an object-storage bucket missing, an upload
// failure, or a previous snapshot missing when one was required. It
// propagates; no publication occurs.
type StorageFatal struct {
	Op  string
	Err error
}

func (e *StorageFatal) Error() string {
	return fmt.Sprintf("fatal storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageFatal) Unwrap() error { return e.Err }

// DataIntegrity indicates a row violated a declared constraint, or a hash
// collision was detected. It propagates.
type DataIntegrity struct {
	Op  string
	Err error
}

func (e *DataIntegrity) Error() string {
	return fmt.Sprintf("data integrity violation during %s: %v", e.Op, e.Err)
}

func (e *DataIntegrity) Unwrap() error { return e.Err }

// LeaseUnavailable indicates the lease could not be acquired within its
// timeout. The run exits cleanly without performing any work.
type LeaseUnavailable struct {
	LockID string
	Err    error
}

func (e *LeaseUnavailable) Error() string {
	return fmt.Sprintf("lease %q unavailable: %v", e.LockID, e.Err)
}

func (e *LeaseUnavailable) Unwrap() error { return e.Err }

// IsFatal reports whether err should abort the run rather than be retried
// locally by the component that produced it.
func IsFatal(err error) bool {
	var remoteFatal *RemoteFatal
	var storageFatal *StorageFatal
	var dataIntegrity *DataIntegrity
	var leaseUnavailable *LeaseUnavailable
	return errors.As(err, &remoteFatal) ||
		errors.As(err, &storageFatal) ||
		errors.As(err, &dataIntegrity) ||
		errors.As(err, &leaseUnavailable)
}
