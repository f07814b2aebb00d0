package s3

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"google.golang.org/grpc/codes"

	"github.com/pithecene-io/objstream/objstream"
)

// apiCodes maps S3 error codes to failure classes.
var apiCodes = map[string]codes.Code{
	"NoSuchKey":             codes.NotFound,
	"NoSuchBucket":          codes.NotFound,
	"NotFound":              codes.NotFound,
	"SlowDown":              codes.ResourceExhausted,
	"Throttling":            codes.ResourceExhausted,
	"ThrottlingException":   codes.ResourceExhausted,
	"RequestLimitExceeded":  codes.ResourceExhausted,
	"TooManyRequests":       codes.ResourceExhausted,
	"InternalError":         codes.Internal,
	"ServiceUnavailable":    codes.Unavailable,
	"RequestTimeout":        codes.DeadlineExceeded,
	"RequestTimeTooSkewed":  codes.FailedPrecondition,
	"PreconditionFailed":    codes.FailedPrecondition,
	"InvalidRange":          codes.OutOfRange,
	"AccessDenied":          codes.PermissionDenied,
	"AllAccessDisabled":     codes.PermissionDenied,
	"InvalidAccessKeyId":    codes.Unauthenticated,
	"SignatureDoesNotMatch": codes.Unauthenticated,
	"ExpiredToken":          codes.Unauthenticated,
	"InvalidArgument":       codes.InvalidArgument,
	"InvalidRequest":        codes.InvalidArgument,
	"InvalidBucketName":     codes.InvalidArgument,
	"KeyTooLongError":       codes.InvalidArgument,
}

// statusCodes maps HTTP statuses to failure classes when the error carries
// no recognised S3 code.
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

// httpStatus is implemented by SDK response errors.
type httpStatus interface {
	HTTPStatusCode() int
}

// codeOf classifies an SDK error.
func codeOf(err error) codes.Code {
	var nsk *types.NoSuchKey
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nsb) {
		return codes.NotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if c, ok := apiCodes[apiErr.ErrorCode()]; ok {
			return c
		}
	}

	var resp httpStatus
	if errors.As(err, &resp) {
		if c, ok := statusCodes[resp.HTTPStatusCode()]; ok {
			return c
		}
		if resp.HTTPStatusCode() >= 500 {
			return codes.Unavailable
		}
	}

	if apiErr != nil && apiErr.ErrorFault() == smithy.FaultServer {
		return codes.Unavailable
	}
	return objstream.CodeOf(err)
}

// classify tags an SDK error with its failure class. Missing objects also
// match objstream.ErrNotFound.
func classify(op string, ref objstream.ObjectRef, err error) error {
	code := codeOf(err)
	if code == codes.NotFound {
		return objstream.NewError(code, fmt.Errorf("s3: %s %s: %w: %w", op, ref, objstream.ErrNotFound, err))
	}
	return objstream.NewError(code, fmt.Errorf("s3: %s %s: %w", op, ref, err))
}

// isInvalidRange reports a range starting at or past the end of the object.
func isInvalidRange(err error) bool {
	return codeOf(err) == codes.OutOfRange
}

// isPreconditionFailed reports a failed If-None-Match.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "412", "ConditionalRequestConflict", "409":
			return true
		}
	}
	var resp httpStatus
	if errors.As(err, &resp) {
		return resp.HTTPStatusCode() == http.StatusPreconditionFailed
	}
	return false
}
