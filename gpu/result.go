package gpu

import "fmt"

// Result is a device status code. Error codes are negative and implement error.
type Result int32

const (
	Success  Result = 0
	NotReady Result = 1
	Timeout  Result = 2

	ErrorOutOfHostMemory      Result = -1
	ErrorOutOfDeviceMemory    Result = -2
	ErrorInitializationFailed Result = -3
	ErrorDeviceLost           Result = -4
	ErrorMemoryMapFailed      Result = -5
	ErrorFeatureNotPresent    Result = -8
	ErrorTooManyObjects       Result = -10
	ErrorInvalidHandle        Result = -1000
	ErrorValidationFailed     Result = -1001
)

var resultNames = map[Result]string{
	Success:                   "SUCCESS",
	NotReady:                  "NOT_READY",
	Timeout:                   "TIMEOUT",
	ErrorOutOfHostMemory:      "ERROR_OUT_OF_HOST_MEMORY",
	ErrorOutOfDeviceMemory:    "ERROR_OUT_OF_DEVICE_MEMORY",
	ErrorInitializationFailed: "ERROR_INITIALIZATION_FAILED",
	ErrorDeviceLost:           "ERROR_DEVICE_LOST",
	ErrorMemoryMapFailed:      "ERROR_MEMORY_MAP_FAILED",
	ErrorFeatureNotPresent:    "ERROR_FEATURE_NOT_PRESENT",
	ErrorTooManyObjects:       "ERROR_TOO_MANY_OBJECTS",
	ErrorInvalidHandle:        "ERROR_INVALID_HANDLE",
	ErrorValidationFailed:     "ERROR_VALIDATION_FAILED",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RESULT(%d)", int32(r))
}

func (r Result) Error() string {
	return "gpu: " + r.String()
}
