package core

import (
	"errors"
	"fmt"
)

// Fault codes raised by the runtime itself.
const (
	CodeCircuitOpen     = "CIRCUIT_OPEN"
	CodeWriteProtection = "WRITE_PROTECTION_FAULT"
	CodeRuntimeFault    = "RUNTIME_FAULT"
	CodeTimeout         = "OPERATION_TIMEOUT"
	CodeCancelled       = "REQUEST_CANCELLED"
)

// Kind classifies a fault for breaker accounting.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindDomain        Kind = "domain"
	KindDependency    Kind = "dependency"
	KindProtection    Kind = "protection"
)

// Counted reports whether a fault of this kind is charged to the breaker.
func (k Kind) Counted() bool {
	switch k {
	case KindValidation, KindAuthorization, KindProtection:
		return false
	}
	return true
}

// Fault is the error half of a Response.
type Fault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    Kind   `json:"-"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) ErrorCode() string { return f.Code }
func (f *Fault) FaultKind() Kind   { return f.Kind }

type coded interface{ ErrorCode() string }

type kinded interface{ FaultKind() Kind }

// FaultFrom converts any error into a Fault. Errors that do not carry a
// code become RUNTIME_FAULT dependency faults.
func FaultFrom(err error) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	out := &Fault{Code: CodeRuntimeFault, Message: err.Error(), Kind: KindDependency}
	var c coded
	if errors.As(err, &c) && c.ErrorCode() != "" {
		out.Code = c.ErrorCode()
	}
	var k kinded
	if errors.As(err, &k) && k.FaultKind() != "" {
		out.Kind = k.FaultKind()
	}
	return out
}
