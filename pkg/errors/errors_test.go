package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrors_ErrorMethod(t *testing.T) {
	errs := []error{
		&AlreadyExistsError{Key: "k1"},
		&NotFoundError{Key: "k1"},
		&ConditionalCheckFailedError{Key: "k1", Expected: 3, Actual: 5},
		&TimeoutError{Key: "k1"},
		&NotPrimaryError{},
		&NotReadableError{},
		&CancelledError{Op: "Enumerate"},
		&ClosedError{},
		&CorruptionError{Path: "chk_1.dat", Reason: "crc mismatch"},
		&OutOfMemoryError{Context: "consolidated rebuild"},
		&IoFailureError{Path: "chk_1.dat", Err: fmt.Errorf("disk full")},
	}

	for _, e := range errs {
		if e.Error() == "" {
			t.Errorf("Error() returned empty string for %T", e)
		}
	}
}

func TestIoFailureError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("disk full")
	wrapped := &IoFailureError{Path: "chk_1.dat", Err: inner}

	if !errors.Is(wrapped, inner) {
		t.Errorf("errors.Is did not find wrapped inner error")
	}
}
