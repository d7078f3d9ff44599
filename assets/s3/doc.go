// Package s3 provides an assets.Store for Amazon S3 with range reads.
//
//	store, err := s3.New(ctx, "my-bucket", "models/")
package s3
