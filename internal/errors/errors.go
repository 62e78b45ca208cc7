package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	CodeInvalidArgument    = Code(codes.InvalidArgument)
	CodeNotFound           = Code(codes.NotFound)
	CodeAlreadyExists      = Code(codes.AlreadyExists)
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	CodePermissionDenied   = Code(codes.PermissionDenied)
	CodeUnavailable        = Code(codes.Unavailable)
	CodeInternal           = Code(codes.Internal)
	CodeUnauthenticated    = Code(codes.Unauthenticated)
)

var code2http = map[Code]int{
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeAlreadyExists:      http.StatusConflict,
	CodeFailedPrecondition: http.StatusPreconditionFailed,
	CodePermissionDenied:   http.StatusForbidden,
	CodeUnavailable:        http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
	CodeUnauthenticated:    http.StatusUnauthorized,
}

// Reason is the machine readable failure kind reported to participants.
type Reason string

const (
	ReasonNotFound                 Reason = "NOT_FOUND"
	ReasonInvalidCode              Reason = "INVALID_CODE"
	ReasonExpired                  Reason = "EXPIRED"
	ReasonAlreadyJoined            Reason = "ALREADY_JOINED"
	ReasonAlreadyPaid              Reason = "ALREADY_PAID"
	ReasonOwnershipConflict        Reason = "OWNERSHIP_CONFLICT"
	ReasonTransientProviderFailure Reason = "TRANSIENT_PROVIDER_FAILURE"
	ReasonNotReady                 Reason = "NOT_READY"
	ReasonNotPaid                  Reason = "NOT_PAID"
	ReasonRateLimited              Reason = "RATE_LIMITED"
)

var reason2code = map[Reason]Code{
	ReasonNotFound:                 CodeNotFound,
	ReasonInvalidCode:              CodeNotFound,
	ReasonExpired:                  CodeFailedPrecondition,
	ReasonAlreadyJoined:            CodeAlreadyExists,
	ReasonAlreadyPaid:              CodeAlreadyExists,
	ReasonOwnershipConflict:        CodePermissionDenied,
	ReasonTransientProviderFailure: CodeUnavailable,
	ReasonNotReady:                 CodeFailedPrecondition,
	ReasonNotPaid:                  CodeFailedPrecondition,
	ReasonRateLimited:              CodeUnavailable,
}

type Error struct {
	Code    Code   `json:"code"`
	Reason  Reason `json:"reason,omitempty"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

// NewReason builds an error of the code registered for r with a participant facing message.
func NewReason(r Reason, message string, opts ...Option) *Error {
	code, ok := reason2code[r]
	if !ok {
		code = CodeInternal
	}

	e := New(code, opts...)
	e.Reason = r
	e.Message = message
	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
	if e.Reason != "" {
		s += fmt.Sprintf(", reason: %s", e.Reason)
	}
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if e.Reason == ReasonRateLimited {
		return http.StatusTooManyRequests
	}

	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// Is reports whether any error in err's chain carries reason r.
func Is(err error, r Reason) bool {
	var e *Error
	return errors.As(err, &e) && e.Reason == r
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

func InvalidArgument(format string, args ...any) *Error {
	return New(CodeInvalidArgument, WithMessagef(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return NewReason(ReasonNotFound, fmt.Sprintf(format, args...))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
