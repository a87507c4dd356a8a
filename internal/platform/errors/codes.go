// Package errors provides structured domain errors for account operations.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeNotFound indicates an absent account, token, or extra.
	CodeNotFound Code = "NOT_FOUND"
	// CodePermissionDenied indicates the caller lacks visibility or a grant.
	CodePermissionDenied Code = "PERMISSION_DENIED"
	// CodeInvalidArgument indicates a malformed account, type, or key.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// CodeStorageFull indicates a persistent write was rejected for space.
	CodeStorageFull Code = "STORAGE_FULL"
	// CodeStorageCorrupt indicates unexpected schema state.
	CodeStorageCorrupt Code = "STORAGE_CORRUPT"
	// CodeStorageLocked indicates a CE operation before user unlock.
	CodeStorageLocked Code = "STORAGE_LOCKED"
	// CodeStorageFailure indicates any other store-level failure.
	CodeStorageFailure Code = "STORAGE_FAILURE"

	// CodeAuthenticatorUnavailable indicates authenticator binding failed.
	CodeAuthenticatorUnavailable Code = "AUTHENTICATOR_UNAVAILABLE"
	// CodeSessionTimeout indicates no authenticator response within the deadline.
	CodeSessionTimeout Code = "SESSION_TIMEOUT"
	// CodeSessionInFlight indicates a duplicate concurrent session was rejected.
	CodeSessionInFlight Code = "SESSION_IN_FLIGHT"
	// CodeSessionCancelled indicates the originating request was withdrawn.
	CodeSessionCancelled Code = "SESSION_CANCELLED"
	// CodeSessionBundleInvalid indicates a sealed session bundle failed to open.
	CodeSessionBundleInvalid Code = "SESSION_BUNDLE_INVALID"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidArgument, CodeSessionBundleInvalid:
		return codes.InvalidArgument
	case CodeNotFound:
		return codes.NotFound
	case CodePermissionDenied:
		return codes.PermissionDenied
	case CodeStorageFull:
		return codes.ResourceExhausted
	case CodeStorageCorrupt, CodeStorageFailure:
		return codes.Internal
	case CodeStorageLocked, CodeSessionInFlight:
		return codes.FailedPrecondition
	case CodeAuthenticatorUnavailable:
		return codes.Unavailable
	case CodeSessionTimeout:
		return codes.DeadlineExceeded
	case CodeSessionCancelled:
		return codes.Canceled
	default:
		return codes.Unknown
	}
}
