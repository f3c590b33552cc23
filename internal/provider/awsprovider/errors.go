package awsprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"

	"github.com/docspreview/previewctl/internal/provider"
	"github.com/docspreview/previewctl/internal/resource"
)

var notFoundCodes = map[string]bool{
	"NotFound":                  true,
	"NoSuchBucket":              true,
	"NoSuchBucketPolicy":        true,
	"NoSuchTagSet":              true,
	"NoSuchDistribution":        true,
	"NoSuchOriginAccessControl": true,
}

// transientCodes are provider rejections that clear up on their own:
// throttling, eventual consistency and optimistic-concurrency races.
var transientCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"TooManyRequests":          true,
	"RequestLimitExceeded":     true,
	"SlowDown":                 true,
	"InternalError":            true,
	"ServiceUnavailable":       true,
	"RequestTimeout":           true,
	"OperationAborted":         true,
	"PreconditionFailed":       true,
	"InvalidIfMatchVersion":    true,
	"OriginAccessControlInUse": true,
	"DistributionNotDisabled":  true,
	"ExpiredToken":             true,
}

// classify maps an AWS SDK error onto the provider error taxonomy.
func classify(op provider.Op, kind resource.Kind, err error) error {
	if err == nil {
		return nil
	}
	if provider.IsRejected(err) || provider.IsUnavailable(err) || provider.IsNotFound(err) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &provider.UnavailableError{Op: op, Kind: kind, Err: errors.Join(provider.ErrTimeout, err)}
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// Transport, DNS and credential resolution failures.
		return &provider.UnavailableError{Op: op, Kind: kind, Err: err}
	}

	code := apiErr.ErrorCode()
	switch {
	case notFoundCodes[code]:
		return fmt.Errorf("%w: %v", provider.ErrNotFound, err)
	case transientCodes[code]:
		return &provider.UnavailableError{Op: op, Kind: kind, Err: err}
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		status := respErr.HTTPStatusCode()
		if status >= 500 || status == http.StatusTooManyRequests {
			return &provider.UnavailableError{Op: op, Kind: kind, Err: err}
		}
		if status == http.StatusNotFound {
			return fmt.Errorf("%w: %v", provider.ErrNotFound, err)
		}
	}
	return &provider.RejectedError{Op: op, Kind: kind, Reason: code, Err: err}
}

// apiErrorCode returns the service error code carried by err, if any.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// ignoreNotFound returns nil for not-found errors.
func ignoreNotFound(err error) error {
	if provider.IsNotFound(err) {
		return nil
	}
	return err
}
