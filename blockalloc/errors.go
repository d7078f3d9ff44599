package blockalloc

import (
	"errors"
	"fmt"

	"github.com/hupe1980/voxgo/gpu"
)

// ErrorKind classifies allocation failures.
type ErrorKind int

const (
	OutOfHostMemory ErrorKind = iota + 1
	OutOfDeviceMemory
	MappingFailed
	TooManyObjects
)

func (k ErrorKind) String() string {
	switch k {
	case OutOfHostMemory:
		return "out of host memory"
	case OutOfDeviceMemory:
		return "out of device memory"
	case MappingFailed:
		return "memory mapping failed"
	case TooManyObjects:
		return "too many objects"
	default:
		return "unknown allocation error"
	}
}

// Sentinels matched by errors.Is against any *AllocError of the same kind.
var (
	ErrOutOfHostMemory   = errors.New("blockalloc: out of host memory")
	ErrOutOfDeviceMemory = errors.New("blockalloc: out of device memory")
	ErrMappingFailed     = errors.New("blockalloc: memory mapping failed")
	ErrTooManyObjects    = errors.New("blockalloc: too many objects")
)

var (
	// ErrFlushInProgress is returned by Flush while an earlier flush is
	// still executing.
	ErrFlushInProgress = errors.New("blockalloc: flush in progress")
	// ErrBlocksOutstanding is returned when destroying an address space
	// that still has allocated blocks.
	ErrBlocksOutstanding = errors.New("blockalloc: address space has outstanding blocks")
	// ErrUnsupportedDevice is returned by New for device classes that have
	// no strategy.
	ErrUnsupportedDevice = errors.New("blockalloc: unsupported device")
	// ErrNoMemoryType is returned when no memory type satisfies a strategy.
	ErrNoMemoryType = errors.New("blockalloc: no suitable memory type")
)

// AllocError reports a failed allocation.
type AllocError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *AllocError) Error() string {
	msg := "blockalloc: " + e.Kind.String()
	if e.Op != "" {
		msg = "blockalloc: " + e.Op + ": " + e.Kind.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AllocError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *AllocError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

func (k ErrorKind) sentinel() error {
	switch k {
	case OutOfHostMemory:
		return ErrOutOfHostMemory
	case OutOfDeviceMemory:
		return ErrOutOfDeviceMemory
	case MappingFailed:
		return ErrMappingFailed
	case TooManyObjects:
		return ErrTooManyObjects
	default:
		return nil
	}
}

// fromResult translates a device error. Allocation failures become
// *AllocError; anything else is wrapped with the operation name.
func fromResult(op string, err error) error {
	if err == nil {
		return nil
	}
	var res gpu.Result
	if errors.As(err, &res) {
		switch res {
		case gpu.ErrorOutOfHostMemory:
			return &AllocError{Kind: OutOfHostMemory, Op: op, Err: err}
		case gpu.ErrorOutOfDeviceMemory:
			return &AllocError{Kind: OutOfDeviceMemory, Op: op, Err: err}
		case gpu.ErrorMemoryMapFailed:
			return &AllocError{Kind: MappingFailed, Op: op, Err: err}
		case gpu.ErrorTooManyObjects:
			return &AllocError{Kind: TooManyObjects, Op: op, Err: err}
		}
	}
	return fmt.Errorf("blockalloc: %s: %w", op, err)
}
