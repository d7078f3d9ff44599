package main

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/hupe1980/voxgo/assets"
	"github.com/hupe1980/voxgo/assets/minio"
	"github.com/hupe1980/voxgo/assets/s3"
	"github.com/hupe1980/voxgo/blockalloc"
	"github.com/hupe1980/voxgo/gpu"
	"github.com/hupe1980/voxgo/gpu/softgpu"
	"github.com/hupe1980/voxgo/resource"
)

// openStore returns the store holding the files and the names to open in
// it. Without remote flags the arguments are local paths.
func openStore(ctx context.Context, args []string) (assets.Store, []string, error) {
	switch {
	case minioEndpoint != "" && s3Bucket != "":
		return nil, nil, fmt.Errorf("--minio-endpoint and --s3-bucket are mutually exclusive")
	case minioEndpoint != "":
		if bucket == "" {
			return nil, nil, fmt.Errorf("--bucket is required with --minio-endpoint")
		}
		printVerbose("Reading from MinIO %s/%s\n", minioEndpoint, bucket)
		store, err := minio.New(minioEndpoint, minioAccessKey, minioSecretKey, minioSecure, bucket, prefix)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to minio: %w", err)
		}
		return store, args, nil
	case s3Bucket != "":
		printVerbose("Reading from S3 bucket %s\n", s3Bucket)
		store, err := s3.New(ctx, s3Bucket, prefix)
		if err != nil {
			return nil, nil, err
		}
		return store, args, nil
	}

	if len(args) == 0 {
		return assets.NewLocalStore("."), nil, nil
	}
	// Local files may live in different directories; root the store at
	// their common parent only when they share one.
	dir := filepath.Dir(args[0])
	names := make([]string, len(args))
	for i, a := range args {
		if filepath.Dir(a) != dir {
			abs := make([]string, len(args))
			for j, p := range args {
				var err error
				if abs[j], err = filepath.Abs(p); err != nil {
					return nil, nil, err
				}
			}
			return assets.NewLocalStore("/"), abs, nil
		}
		names[i] = filepath.Base(a)
	}
	return assets.NewLocalStore(dir), names, nil
}

// newResources builds the controller shared by the allocator and the
// library from the resource flags.
func newResources() *resource.Controller {
	n := workers
	if n < 1 {
		n = runtime.GOMAXPROCS(0)
	}
	rc := resource.NewController(resource.Config{
		MemoryLimitBytes:     memoryLimit,
		MaxBackgroundWorkers: int64(n),
		IOLimitBytesPerSec:   ioLimit,
	})
	if limit := rc.MemoryLimit(); limit > 0 {
		printVerbose("Block memory limited to %s\n", formatBytes(uint64(limit)))
	}
	return rc
}

// newAllocator builds a block allocator of the requested kind. The returned
// cleanup closes the allocator and any simulated device.
func newAllocator(rc *resource.Controller, logger blockalloc.Option) (blockalloc.BlockAllocator, func(), error) {
	var class gpu.DeviceType
	switch deviceKind {
	case "host":
		alloc := blockalloc.NewHost(blockSize, logger, blockalloc.WithResourceController(rc))
		return alloc, func() { _ = alloc.Close() }, nil
	case "discrete":
		class = gpu.DeviceTypeDiscrete
	case "integrated":
		class = gpu.DeviceTypeIntegrated
	default:
		return nil, nil, fmt.Errorf("unknown device %q (want discrete, integrated or host)", deviceKind)
	}

	dev := softgpu.New(softgpu.DefaultConfig(class))
	alloc, err := blockalloc.NewFromDevice(dev, blockalloc.CreateInfo{
		BindTransferQueue:       dev.Queue(1),
		BindTransferQueueFamily: 1,
		BlockSize:               blockSize,
	}, logger)
	if err != nil {
		_ = dev.Close()
		return nil, nil, fmt.Errorf("create %s allocator: %w", deviceKind, err)
	}
	return alloc, func() {
		_ = alloc.Close()
		_ = dev.Close()
	}, nil
}
