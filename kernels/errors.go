package kernels

import "errors"

// ErrUnknownOp is returned by Lookup for unregistered names.
var ErrUnknownOp = errors.New("kernels: unknown op")

// ErrMismatch is wrapped by Verify failures.
var ErrMismatch = errors.New("kernels: result mismatch")
