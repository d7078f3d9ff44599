// Package assets provides read access to voxel model files.
//
// Store is the interface the library imports models through. Blobs are
// immutable once published, so implementations can be shared freely across
// goroutines.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem with mmap support
//   - MemoryStore: in-process map, used by tests and tools
//   - minio.Store: MinIO and other S3-compatible storage
//   - s3.Store: Amazon S3 with range reads
//
// # Custom Implementations
//
//	type Store interface {
//	    Open(ctx, name) (Blob, error)
//	    List(ctx, prefix) ([]string, error)
//	}
package assets
