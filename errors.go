package voxgo

import (
	"errors"
	"fmt"

	"github.com/hupe1980/voxgo/assets"
	"github.com/hupe1980/voxgo/blockalloc"
	"github.com/hupe1980/voxgo/internal/arena"
	"github.com/hupe1980/voxgo/svdag"
	"github.com/hupe1980/voxgo/vox"
)

var (
	// ErrNotFound is returned when a model or asset does not exist.
	ErrNotFound = errors.New("not found")
	// ErrModelExists is returned when a model name is already taken.
	ErrModelExists = errors.New("model already exists")
	// ErrClosed is returned by operations on a closed Library.
	ErrClosed = errors.New("library closed")
	// ErrFlushInProgress is returned by Flush while an earlier flush is
	// still being applied by the device.
	ErrFlushInProgress = blockalloc.ErrFlushInProgress
	// ErrInvalidAsset is returned for files that are not valid .vox data.
	ErrInvalidAsset = errors.New("invalid asset")
)

// ErrAllocation indicates the block allocator could not supply a block.
//
// The original underlying error can be accessed via errors.Unwrap.
type ErrAllocation struct {
	Kind  blockalloc.ErrorKind
	cause error
}

func (e *ErrAllocation) Error() string {
	return fmt.Sprintf("allocation failed: %s", e.Kind)
}

func (e *ErrAllocation) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, assets.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if errors.Is(err, svdag.ErrClosed) || errors.Is(err, arena.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	if errors.Is(err, vox.ErrInvalidMagic) || errors.Is(err, vox.ErrMalformed) {
		return fmt.Errorf("%w: %w", ErrInvalidAsset, err)
	}

	var ae *blockalloc.AllocError
	if errors.As(err, &ae) {
		return &ErrAllocation{Kind: ae.Kind, cause: err}
	}

	return err
}
