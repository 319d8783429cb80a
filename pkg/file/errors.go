package file

import "errors"

var (
	ErrInvalidKey    = errors.New("invalid object key") // empty, absolute or escaping the root
	ErrInvalidConfig = errors.New("invalid storage configuration")

	ErrObjectNotFound          = errors.New("object not found")
	ErrFailedToWriteFile       = errors.New("failed to write object")
	ErrFailedToReadFile        = errors.New("failed to read object")
	ErrFailedToCreateDirectory = errors.New("failed to create directory")
	ErrFailedToGetAbsolutePath = errors.New("failed to get absolute path")

	// S3-specific errors for proper error classification
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrServiceUnavailable = errors.New("service temporarily unavailable") // throttling, retry later
	ErrFailedToLoadConfig = errors.New("failed to load AWS config")

	ErrOperationTimeout  = errors.New("operation timed out")
	ErrOperationCanceled = errors.New("operation canceled")
)
