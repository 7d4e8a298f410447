package retry

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"
)

// Error codes AWS services report for conditions expected to clear on their
// own. Shared by every service client the workflow touches.
var (
	throttleCodes = map[string]bool{
		"Throttling":                true,
		"ThrottlingException":       true,
		"ThrottledException":        true,
		"RequestLimitExceeded":      true,
		"RequestThrottled":          true,
		"RequestThrottledException": true,
		"TooManyRequestsException":  true,
		"SlowDown":                  true,
	}
	faultCodes = map[string]bool{
		"InternalError":           true,
		"InternalFailure":         true,
		"ServiceUnavailable":      true,
		"ServiceFailure":          true,
		"Unavailable":             true,
		"RequestTimeout":          true,
		"RequestTimeoutException": true,
	}
)

// ClassifyAWS tags transient AWS failures for retry eligibility. Throttling
// and provider-fault codes map to their kinds, errors that carried no
// provider response at all map to KindTransport, and everything else
// (authorization denials, malformed input, missing resources) is returned
// unchanged so it propagates immediately.
func ClassifyAWS(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		// Connection resets, DNS failures, response decoding errors.
		return Transient(KindTransport, err)
	}

	code := apiErr.ErrorCode()
	switch {
	case throttleCodes[code]:
		return Transient(KindThrottling, err)
	case faultCodes[code]:
		return Transient(KindServiceFault, err)
	case apiErr.ErrorFault() == smithy.FaultServer:
		return Transient(KindServiceFault, err)
	}
	return err
}
