// Package errs defines the error kinds shared by every memorybank component.
//
// Callers wrap a kind with context using fmt.Errorf and %w, and inspect it
// with errors.Is or KindOf. Transport layers map kinds to status codes.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnavailable     = errors.New("unavailable")
	ErrInternal        = errors.New("internal")
)

var kinds = []error{
	ErrUnauthorized,
	ErrForbidden,
	ErrNotFound,
	ErrConflict,
	ErrInvalidArgument,
	ErrUnavailable,
	ErrInternal,
}

// KindOf returns the sentinel kind wrapped in err, or ErrInternal when err
// carries none. A nil error has no kind.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

// Invalid builds an ErrInvalidArgument with a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Retryable reports whether err is worth retrying with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Classify attaches a kind to a raw backend error. Errors that already carry
// a kind are returned unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, pgErr.ConstraintName)
		case "23503":
			return fmt.Errorf("%s: %w: %s", op, ErrNotFound, pgErr.ConstraintName)
		case "22P02", "23514":
			return fmt.Errorf("%s: %w: %s", op, ErrInvalidArgument, pgErr.Message)
		case "40001", "40P01", "57P01", "57P03", "53300":
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		case codes.NotFound:
			return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
		case codes.InvalidArgument:
			return fmt.Errorf("%s: %w: %w", op, ErrInvalidArgument, err)
		}
		return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
}

// HTTPStatus maps an error's kind to a response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case nil:
		return http.StatusOK
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrForbidden:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrConflict:
		return http.StatusConflict
	case ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
