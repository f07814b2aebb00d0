package gcs

import (
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"

	"github.com/pithecene-io/objstream/objstream"
)

// statusCodes maps JSON API HTTP statuses to failure classes.
var statusCodes = map[int]codes.Code{
	http.StatusBadRequest:                   codes.InvalidArgument,
	http.StatusUnauthorized:                 codes.Unauthenticated,
	http.StatusForbidden:                    codes.PermissionDenied,
	http.StatusNotFound:                     codes.NotFound,
	http.StatusRequestTimeout:               codes.DeadlineExceeded,
	http.StatusConflict:                     codes.Aborted,
	http.StatusPreconditionFailed:           codes.FailedPrecondition,
	http.StatusRequestedRangeNotSatisfiable: codes.OutOfRange,
	http.StatusTooManyRequests:              codes.ResourceExhausted,
	http.StatusInternalServerError:          codes.Internal,
	http.StatusNotImplemented:               codes.Unimplemented,
	http.StatusBadGateway:                   codes.Unavailable,
	http.StatusServiceUnavailable:           codes.Unavailable,
	http.StatusGatewayTimeout:               codes.DeadlineExceeded,
}

// codeOf classifies a Cloud Storage error.
func codeOf(err error) codes.Code {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return codes.NotFound
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if c, ok := statusCodes[apiErr.Code]; ok {
			return c
		}
		if apiErr.Code >= 500 {
			return codes.Unavailable
		}
	}
	return objstream.CodeOf(err)
}

// classify tags a Cloud Storage error with its failure class. Missing
// objects also match objstream.ErrNotFound.
func classify(op string, ref objstream.ObjectRef, err error) error {
	code := codeOf(err)
	if code == codes.NotFound && !errors.Is(err, objstream.ErrNotFound) {
		return objstream.NewError(code, fmt.Errorf("gcs: %s %s: %w: %w", op, ref, objstream.ErrNotFound, err))
	}
	return objstream.NewError(code, fmt.Errorf("gcs: %s %s: %w", op, ref, err))
}

func isStatus(err error, status int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == status
}
