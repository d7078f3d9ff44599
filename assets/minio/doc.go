// Package minio provides an assets.Store backed by the MinIO client.
//
// It works with MinIO and other S3-compatible systems such as Ceph,
// SeaweedFS and Garage, without pulling in the AWS SDK.
//
// # Basic Usage
//
//	store, err := minio.New("localhost:9000", "minioadmin", "minioadmin", false, "models", "vox/")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_, err = lib.ImportVox(ctx, store, "castle.vox")
package minio
