// Package errors re-exports github.com/cockroachdb/errors so every other
// package in this module imports one error type, not two. cockroachdb/errors
// gives us stack traces, hint/detail annotations for operator-facing
// messages, and wire-safe encode/decode for errors that cross the
// relay<->client boundary, on top of a drop-in errors.Is/As/Unwrap.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Construction and wrapping.
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// Hints and details surface operator-facing context without polluting the
// error chain errors.Is/As walks.
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSafeDetails    = crdb.WithSafeDetails
	WithSecondaryError = crdb.WithSecondaryError
)

// Inspection.
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapOnce     = crdb.UnwrapOnce
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// GetReportableStackTrace returns the reportable stack trace attached to
// err, if any. GetStack is the same function under a shorter name.
var (
	GetReportableStackTrace = crdb.GetReportableStackTrace
	GetStack                = crdb.GetReportableStackTrace
)

// Encoding lets an error survive the relay<->client wire boundary (not
// currently used there, but is what makes this choice over a plain
// stdlib errors.New/fmt.Errorf worth the import).
var (
	WithDomain  = crdb.WithDomain
	GetDomain   = crdb.GetDomain
	EncodeError = crdb.EncodeError
	DecodeError = crdb.DecodeError
)

// Assertions, for invariants a caller violated rather than an ordinary
// runtime failure.
var (
	AssertionFailedf                = crdb.AssertionFailedf
	NewAssertionErrorWithWrappedErrf = crdb.NewAssertionErrorWithWrappedErrf
)
