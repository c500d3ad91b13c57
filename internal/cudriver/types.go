package cudriver

import (
	"fmt"
	"unsafe"
)

// Opaque CUDA driver handles. All of these are pointers (or small integers)
// on the driver side; they are never dereferenced on the Go side.
type (
	Device   int32
	Context  uintptr
	Module   uintptr
	Function uintptr
	Stream   uintptr
	Event    uintptr

	// DevicePtr is a device memory address (CUdeviceptr).
	DevicePtr uintptr
)

// CUresult error codes (subset we care about).
type CUresult int32

const (
	CUDA_SUCCESS               CUresult = 0
	CUDA_ERROR_INVALID_VALUE   CUresult = 1
	CUDA_ERROR_OUT_OF_MEMORY   CUresult = 2
	CUDA_ERROR_NOT_INITIALIZED CUresult = 3
	CUDA_ERROR_NO_DEVICE       CUresult = 100
	CUDA_ERROR_INVALID_CONTEXT CUresult = 201
	CUDA_ERROR_INVALID_HANDLE  CUresult = 400
	CUDA_ERROR_NOT_FOUND       CUresult = 500
	CUDA_ERROR_NOT_READY       CUresult = 600
	CUDA_ERROR_LAUNCH_FAILED   CUresult = 719
)

// Name returns the driver's symbolic name for the result, asking the driver
// itself when it is loaded and falling back to a static table otherwise.
func (r CUresult) Name() string {
	if r == CUDA_SUCCESS {
		return "CUDA_SUCCESS"
	}
	if cuGetErrorName != nil {
		var str *byte
		if cuGetErrorName(r, &str) == CUDA_SUCCESS && str != nil {
			return goString(str)
		}
	}
	names := map[CUresult]string{
		1: "INVALID_VALUE", 2: "OUT_OF_MEMORY", 3: "NOT_INITIALIZED",
		100: "NO_DEVICE", 201: "INVALID_CONTEXT", 400: "INVALID_HANDLE",
		500: "NOT_FOUND", 600: "NOT_READY", 719: "LAUNCH_FAILED",
	}
	if name, ok := names[r]; ok {
		return fmt.Sprintf("CUDA_ERROR_%s", name)
	}
	return fmt.Sprintf("CUDA_ERROR(%d)", int32(r))
}

// CUdevice_attribute codes we need.
const (
	CU_DEVICE_ATTRIBUTE_MAX_SHARED_MEMORY_PER_BLOCK          = 8
	CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR             = 75
	CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR             = 76
	CU_DEVICE_ATTRIBUTE_MAX_SHARED_MEMORY_PER_MULTIPROCESSOR = 81
	CU_DEVICE_ATTRIBUTE_MAX_SHARED_MEMORY_PER_BLOCK_OPTIN    = 97
)

// CUfunction_attribute codes.
const (
	CU_FUNC_ATTRIBUTE_SHARED_SIZE_BYTES             = 1
	CU_FUNC_ATTRIBUTE_MAX_DYNAMIC_SHARED_SIZE_BYTES = 8
)

// CUfunc_cache configurations.
const (
	CU_FUNC_CACHE_PREFER_SHARED = 1
)

// CUevent flags. Timing events use the default flag; a blocking-sync flag
// would perturb the timed interval.
const (
	CU_EVENT_DEFAULT = 0
)

// Error is a failed driver call. It carries the driver's symbolic error name,
// the operation, and the source location of the wrapper that issued the call.
type Error struct {
	Result CUresult
	Op     string
	File   string
	Line   int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s:%d: operation %s failed: %s", e.File, e.Line, e.Op, e.Result.Name())
}

func goString(p *byte) string {
	if p == nil {
		return ""
	}
	buf := make([]byte, 0, 32)
	for ptr := p; *ptr != 0; ptr = (*byte)(unsafe.Add(unsafe.Pointer(ptr), 1)) {
		buf = append(buf, *ptr)
	}
	return string(buf)
}
