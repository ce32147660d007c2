// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package erst

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error the way the mailbox handler's ACPI status
// translation needs: coarsely, and without requiring a type switch over
// concrete error structs.
type Kind int

// Error kinds, per spec §7.
const (
	KindSuccess Kind = iota
	KindNoMedia
	KindInvalidParameter
	KindBufferTooSmall
	KindOutOfResources
	KindDeviceError
	KindCompromisedData
	KindIncompatibleVersion
	KindNotFound
	KindUnsupported
	KindProtocolError
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "Success"
	case KindNoMedia:
		return "NoMedia"
	case KindInvalidParameter:
		return "InvalidParameter"
	case KindBufferTooSmall:
		return "BufferTooSmall"
	case KindOutOfResources:
		return "OutOfResources"
	case KindDeviceError:
		return "DeviceError"
	case KindCompromisedData:
		return "CompromisedData"
	case KindIncompatibleVersion:
		return "IncompatibleVersion"
	case KindNotFound:
		return "NotFound"
	case KindUnsupported:
		return "Unsupported"
	case KindProtocolError:
		return "ProtocolError"
	default:
		return "Unknown"
	}
}

// Error is the kind-typed error returned by every exported operation in
// this package, mirroring lldb's ErrINVAL/ErrILSEQ split but unified into
// one struct carrying a Kind instead of one struct per failure shape.
type Error struct {
	Kind Kind
	Op   string // component/operation that raised it, e.g. "Allocator.find"
	Off  int64  // partition-relative offset relevant to the error, or -1
	Arg  int64  // kind-specific extra detail (a size, a record id low bits, ...)
	Err  error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Off >= 0 {
			return fmt.Sprintf("%s: %s at offset %#x: %s", e.Op, e.Kind, e.Off, e.Err)
		}

		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
	}

	if e.Off >= 0 {
		return fmt.Sprintf("%s: %s at offset %#x", e.Op, e.Kind, e.Off)
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, off int64, cause error) *Error {
	return &Error{Kind: kind, Op: op, Off: off, Err: cause}
}

func errInvalidParameter(op string, off int64) error {
	return newErr(KindInvalidParameter, op, off, nil)
}

func errOutOfResources(op string) error {
	return newErr(KindOutOfResources, op, -1, nil)
}

func errDeviceError(op string, off int64, cause error) error {
	return newErr(KindDeviceError, op, off, errors.WithMessage(cause, op))
}

func errCompromisedData(op string, off int64) error {
	return newErr(KindCompromisedData, op, off, nil)
}

func errIncompatibleVersion(op string, off int64) error {
	return newErr(KindIncompatibleVersion, op, off, nil)
}

func errNotFound(op string) error {
	return newErr(KindNotFound, op, -1, nil)
}

func errUnsupported(op string) error {
	return newErr(KindUnsupported, op, -1, nil)
}

func errBufferTooSmall(op string) error {
	return newErr(KindBufferTooSmall, op, -1, nil)
}

func errProtocolError(op string) error {
	return newErr(KindProtocolError, op, -1, nil)
}

// KindOf recovers the Kind from any error produced by this package,
// defaulting to KindDeviceError for an opaque/foreign error - the mailbox
// handler's status translation always needs some kind to map.
func KindOf(err error) Kind {
	if err == nil {
		return KindSuccess
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindDeviceError
}
