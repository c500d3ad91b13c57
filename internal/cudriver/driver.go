package cudriver

// CUDA Driver API bindings via purego.
// No cgo required — loads libcuda.so at runtime via dlopen.
//
// We bind only the functions the launcher needs:
//   - Errors: cuGetErrorName
//   - Init/device: cuInit, cuDeviceGet, cuDeviceGetCount, cuDeviceGetName,
//     cuDeviceGetAttribute
//   - Context: cuStreamGetCtx, cuCtxPushCurrent, cuCtxPopCurrent, cuCtxGetDevice
//   - Module/function: cuModuleLoadData, cuModuleUnload, cuModuleGetFunction,
//     cuFuncGetAttribute, cuFuncSetAttribute, cuFuncSetCacheConfig
//   - Launch/memory: cuLaunchKernel, cuMemsetD8Async,
//     cuMemcpyDtoHAsync, cuMemcpyHtoDAsync
//   - Streams/events: cuStreamSynchronize, cuEventCreate, cuEventRecord,
//     cuEventSynchronize, cuEventElapsedTime, cuEventDestroy

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	driverOnce sync.Once
	driverErr  error

	cuGetErrorName func(result CUresult, str **byte) CUresult

	cuInit               func(flags uint32) CUresult
	cuDeviceGet          func(device *int32, ordinal int32) CUresult
	cuDeviceGetCount     func(count *int32) CUresult
	cuDeviceGetName      func(name *byte, len int32, dev int32) CUresult
	cuDeviceGetAttribute func(pi *int32, attrib int32, dev int32) CUresult

	cuStreamGetCtx   func(stream uintptr, pctx *uintptr) CUresult
	cuCtxPushCurrent func(ctx uintptr) CUresult
	cuCtxPopCurrent  func(pctx *uintptr) CUresult
	cuCtxGetDevice   func(dev *int32) CUresult

	cuModuleLoadData    func(module *uintptr, image unsafe.Pointer) CUresult
	cuModuleUnload      func(hmod uintptr) CUresult
	cuModuleGetFunction func(hfunc *uintptr, hmod uintptr, name *byte) CUresult

	cuFuncGetAttribute   func(pi *int32, attrib int32, hfunc uintptr) CUresult
	cuFuncSetAttribute   func(hfunc uintptr, attrib int32, value int32) CUresult
	cuFuncSetCacheConfig func(hfunc uintptr, config int32) CUresult

	cuLaunchKernel func(
		f uintptr,
		gridDimX, gridDimY, gridDimZ uint32,
		blockDimX, blockDimY, blockDimZ uint32,
		sharedMemBytes uint32,
		hStream uintptr,
		kernelParams unsafe.Pointer,
		extra unsafe.Pointer,
	) CUresult

	cuMemsetD8Async   func(dstDevice uintptr, uc byte, n uint64, hStream uintptr) CUresult
	cuMemcpyDtoHAsync func(dstHost unsafe.Pointer, srcDevice uintptr, byteCount uint64, hStream uintptr) CUresult
	cuMemcpyHtoDAsync func(dstDevice uintptr, srcHost unsafe.Pointer, byteCount uint64, hStream uintptr) CUresult

	cuStreamSynchronize func(hStream uintptr) CUresult

	cuEventCreate      func(phEvent *uintptr, flags uint32) CUresult
	cuEventRecord      func(hEvent uintptr, hStream uintptr) CUresult
	cuEventSynchronize func(hEvent uintptr) CUresult
	cuEventElapsedTime func(pMilliseconds *float32, hStart uintptr, hEnd uintptr) CUresult
	cuEventDestroy     func(hEvent uintptr) CUresult
)

// initDriver loads libcuda.so and registers all function pointers.
func initDriver() error {
	driverOnce.Do(func() {
		var lib uintptr
		lib, driverErr = purego.Dlopen("libcuda.so.1", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if driverErr != nil {
			lib, driverErr = purego.Dlopen("libcuda.so", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
			if driverErr != nil {
				driverErr = fmt.Errorf("cannot load libcuda.so: %w (is NVIDIA driver installed?)", driverErr)
				return
			}
		}

		purego.RegisterLibFunc(&cuGetErrorName, lib, "cuGetErrorName")
		purego.RegisterLibFunc(&cuInit, lib, "cuInit")
		purego.RegisterLibFunc(&cuDeviceGet, lib, "cuDeviceGet")
		purego.RegisterLibFunc(&cuDeviceGetCount, lib, "cuDeviceGetCount")
		purego.RegisterLibFunc(&cuDeviceGetName, lib, "cuDeviceGetName")
		purego.RegisterLibFunc(&cuDeviceGetAttribute, lib, "cuDeviceGetAttribute")
		purego.RegisterLibFunc(&cuStreamGetCtx, lib, "cuStreamGetCtx")
		purego.RegisterLibFunc(&cuCtxPushCurrent, lib, "cuCtxPushCurrent_v2")
		purego.RegisterLibFunc(&cuCtxPopCurrent, lib, "cuCtxPopCurrent_v2")
		purego.RegisterLibFunc(&cuCtxGetDevice, lib, "cuCtxGetDevice")
		purego.RegisterLibFunc(&cuModuleLoadData, lib, "cuModuleLoadData")
		purego.RegisterLibFunc(&cuModuleUnload, lib, "cuModuleUnload")
		purego.RegisterLibFunc(&cuModuleGetFunction, lib, "cuModuleGetFunction")
		purego.RegisterLibFunc(&cuFuncGetAttribute, lib, "cuFuncGetAttribute")
		purego.RegisterLibFunc(&cuFuncSetAttribute, lib, "cuFuncSetAttribute")
		purego.RegisterLibFunc(&cuFuncSetCacheConfig, lib, "cuFuncSetCacheConfig")
		purego.RegisterLibFunc(&cuLaunchKernel, lib, "cuLaunchKernel")
		purego.RegisterLibFunc(&cuMemsetD8Async, lib, "cuMemsetD8Async")
		purego.RegisterLibFunc(&cuMemcpyDtoHAsync, lib, "cuMemcpyDtoHAsync_v2")
		purego.RegisterLibFunc(&cuMemcpyHtoDAsync, lib, "cuMemcpyHtoDAsync_v2")
		purego.RegisterLibFunc(&cuStreamSynchronize, lib, "cuStreamSynchronize")
		purego.RegisterLibFunc(&cuEventCreate, lib, "cuEventCreate")
		purego.RegisterLibFunc(&cuEventRecord, lib, "cuEventRecord")
		purego.RegisterLibFunc(&cuEventSynchronize, lib, "cuEventSynchronize")
		purego.RegisterLibFunc(&cuEventElapsedTime, lib, "cuEventElapsedTime")
		purego.RegisterLibFunc(&cuEventDestroy, lib, "cuEventDestroy_v2")
	})
	return driverErr
}

// status wraps a CUresult into an *Error, capturing the wrapper's location.
func status(r CUresult, op string) error {
	if r == CUDA_SUCCESS {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	return &Error{Result: r, Op: op, File: file, Line: line}
}

// Driver issues raw CUDA driver calls. It holds no state: every value uses the
// same process-wide symbol bindings, and all methods are safe for concurrent
// use (the driver API is thread-safe).
type Driver struct{}

// New loads the CUDA driver library, failing if it is unavailable.
func New() (*Driver, error) {
	if err := initDriver(); err != nil {
		return nil, err
	}
	return &Driver{}, nil
}

// Init initialises the driver for the process.
func (*Driver) Init() error {
	return status(cuInit(0), "cuInit")
}

func (*Driver) DeviceGet(ordinal int) (Device, error) {
	var dev int32
	if err := status(cuDeviceGet(&dev, int32(ordinal)), "cuDeviceGet"); err != nil {
		return 0, err
	}
	return Device(dev), nil
}

func (*Driver) DeviceGetCount() (int, error) {
	var count int32
	if err := status(cuDeviceGetCount(&count), "cuDeviceGetCount"); err != nil {
		return 0, err
	}
	return int(count), nil
}

func (*Driver) DeviceGetName(dev Device) (string, error) {
	buf := make([]byte, 256)
	if err := status(cuDeviceGetName(&buf[0], int32(len(buf)), int32(dev)), "cuDeviceGetName"); err != nil {
		return "", err
	}
	return goString(&buf[0]), nil
}

func (*Driver) DeviceGetAttribute(attrib int, dev Device) (int, error) {
	var v int32
	if err := status(cuDeviceGetAttribute(&v, int32(attrib), int32(dev)), "cuDeviceGetAttribute"); err != nil {
		return 0, err
	}
	return int(v), nil
}

// StreamGetCtx returns the context the stream belongs to.
func (*Driver) StreamGetCtx(stream Stream) (Context, error) {
	var ctx uintptr
	if err := status(cuStreamGetCtx(uintptr(stream), &ctx), "cuStreamGetCtx"); err != nil {
		return 0, err
	}
	return Context(ctx), nil
}

func (*Driver) CtxPushCurrent(ctx Context) error {
	return status(cuCtxPushCurrent(uintptr(ctx)), "cuCtxPushCurrent")
}

func (*Driver) CtxPopCurrent() error {
	var prev uintptr
	return status(cuCtxPopCurrent(&prev), "cuCtxPopCurrent")
}

// CtxGetDevice returns the device of the current context.
func (*Driver) CtxGetDevice() (Device, error) {
	var dev int32
	if err := status(cuCtxGetDevice(&dev), "cuCtxGetDevice"); err != nil {
		return 0, err
	}
	return Device(dev), nil
}

// ModuleLoadData loads a compiled module image into the current context.
// The image must be NUL-terminated or a complete cubin; the driver copies it
// during the call.
func (*Driver) ModuleLoadData(image []byte) (Module, error) {
	var mod uintptr
	if err := status(cuModuleLoadData(&mod, unsafe.Pointer(&image[0])), "cuModuleLoadData"); err != nil {
		return 0, err
	}
	runtime.KeepAlive(image)
	return Module(mod), nil
}

func (*Driver) ModuleUnload(mod Module) error {
	return status(cuModuleUnload(uintptr(mod)), "cuModuleUnload")
}

func (*Driver) ModuleGetFunction(mod Module, name string) (Function, error) {
	cname := append([]byte(name), 0)
	var fn uintptr
	if err := status(cuModuleGetFunction(&fn, uintptr(mod), &cname[0]), "cuModuleGetFunction"); err != nil {
		return 0, err
	}
	runtime.KeepAlive(cname)
	return Function(fn), nil
}

func (*Driver) FuncGetAttribute(attrib int, fn Function) (int, error) {
	var v int32
	if err := status(cuFuncGetAttribute(&v, int32(attrib), uintptr(fn)), "cuFuncGetAttribute"); err != nil {
		return 0, err
	}
	return int(v), nil
}

func (*Driver) FuncSetAttribute(fn Function, attrib, value int) error {
	return status(cuFuncSetAttribute(uintptr(fn), int32(attrib), int32(value)), "cuFuncSetAttribute")
}

func (*Driver) FuncSetCacheConfig(fn Function, config int) error {
	return status(cuFuncSetCacheConfig(uintptr(fn), int32(config)), "cuFuncSetCacheConfig")
}

// LaunchKernel enqueues a kernel launch on the stream. params holds one
// pointer per kernel parameter; the driver copies the pointed-to values
// synchronously, so they only need to stay valid until this call returns.
func (*Driver) LaunchKernel(fn Function, gridX, gridY, gridZ, blockX, blockY, blockZ, sharedMemBytes uint32, stream Stream, params []unsafe.Pointer) error {
	var kp unsafe.Pointer
	if len(params) > 0 {
		kp = unsafe.Pointer(&params[0])
	}
	err := status(cuLaunchKernel(
		uintptr(fn),
		gridX, gridY, gridZ,
		blockX, blockY, blockZ,
		sharedMemBytes,
		uintptr(stream),
		kp,
		nil,
	), "cuLaunchKernel")
	runtime.KeepAlive(params)
	return err
}

func (*Driver) MemsetD8Async(dst DevicePtr, value byte, n uint64, stream Stream) error {
	return status(cuMemsetD8Async(uintptr(dst), value, n, uintptr(stream)), "cuMemsetD8Async")
}

// MemcpyDtoHAsync copies len(dst) bytes from device memory into dst. The
// caller must keep dst alive and unmoved until the stream has synchronised.
func (*Driver) MemcpyDtoHAsync(dst []byte, src DevicePtr, stream Stream) error {
	if len(dst) == 0 {
		return nil
	}
	return status(cuMemcpyDtoHAsync(unsafe.Pointer(&dst[0]), uintptr(src), uint64(len(dst)), uintptr(stream)), "cuMemcpyDtoHAsync")
}

// MemcpyHtoDAsync copies len(src) bytes from src into device memory.
func (*Driver) MemcpyHtoDAsync(dst DevicePtr, src []byte, stream Stream) error {
	if len(src) == 0 {
		return nil
	}
	return status(cuMemcpyHtoDAsync(uintptr(dst), unsafe.Pointer(&src[0]), uint64(len(src)), uintptr(stream)), "cuMemcpyHtoDAsync")
}

func (*Driver) StreamSynchronize(stream Stream) error {
	return status(cuStreamSynchronize(uintptr(stream)), "cuStreamSynchronize")
}

func (*Driver) EventCreate(flags uint32) (Event, error) {
	var ev uintptr
	if err := status(cuEventCreate(&ev, flags), "cuEventCreate"); err != nil {
		return 0, err
	}
	return Event(ev), nil
}

func (*Driver) EventRecord(ev Event, stream Stream) error {
	return status(cuEventRecord(uintptr(ev), uintptr(stream)), "cuEventRecord")
}

func (*Driver) EventSynchronize(ev Event) error {
	return status(cuEventSynchronize(uintptr(ev)), "cuEventSynchronize")
}

func (*Driver) EventElapsedTime(start, stop Event) (float32, error) {
	var ms float32
	if err := status(cuEventElapsedTime(&ms, uintptr(start), uintptr(stop)), "cuEventElapsedTime"); err != nil {
		return 0, err
	}
	return ms, nil
}

func (*Driver) EventDestroy(ev Event) error {
	return status(cuEventDestroy(uintptr(ev)), "cuEventDestroy")
}
