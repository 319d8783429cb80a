// Package file stores opaque blobs under slash-separated keys on the local
// filesystem or in Amazon S3 (and S3-compatible services such as MinIO).
//
// Both backends implement Storage:
//
//	store, err := file.NewFromConfig(ctx, cfg) // STORAGE_DRIVER=local|s3
//	if err != nil {
//		return err
//	}
//	err = store.Put(ctx, "webhooks/stripe/2024/06/01/evt_123.json", payload, "application/json")
//
// Keys are validated with CleanKey: empty keys, absolute keys and keys with
// ".." segments are rejected with ErrInvalidKey. S3 failures are classified
// into package errors (ErrObjectNotFound, ErrAccessDenied, ErrBucketNotFound,
// ErrServiceUnavailable) using smithy API error codes.
package file
