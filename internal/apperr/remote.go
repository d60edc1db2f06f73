package apperr

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FromRemote converts an error returned by the document store into an
// *Error. Already classified errors are returned unchanged.
func FromRemote(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, ErrNetwork) {
		return Transient(codes.Unavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(codes.Unavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(codes.DeadlineExceeded, err)
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindInternal, Code: codes.Canceled, Message: "The request was cancelled.", Err: err}
	}

	st, ok := status.FromError(err)
	if !ok {
		return Internal(err)
	}
	return fromStatus(st, err)
}

func fromStatus(st *status.Status, err error) *Error {
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		e := Validation(st.Message())
		e.Err = err
		return e
	case codes.PermissionDenied:
		return &Error{
			Kind:    KindPermission,
			Code:    codes.PermissionDenied,
			Message: "You do not have permission to do that.",
			Remedy:  "Ask the owner for access.",
			Err:     err,
		}
	case codes.NotFound:
		e := NotFound("requested item")
		e.Err = err
		return e
	case codes.AlreadyExists:
		e := Conflict(st.Message())
		e.Err = err
		return e
	case codes.Unauthenticated:
		e := Unauthenticated()
		e.Err = err
		return e
	case codes.Unavailable, codes.DeadlineExceeded, codes.Internal, codes.Aborted, codes.ResourceExhausted:
		return Transient(st.Code(), err)
	default:
		e := Internal(err)
		e.Code = st.Code()
		return e
	}
}

// Network marks err as a caller-identified network failure.
func Network(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrNetwork, err)
}
