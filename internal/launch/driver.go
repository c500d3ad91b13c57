package launch

import (
	"unsafe"

	"github.com/samcharles93/magma/internal/cudriver"
)

// Driver is the slice of the CUDA driver API the launcher consumes.
// *cudriver.Driver implements it; tests substitute fakes.
type Driver interface {
	StreamGetCtx(stream cudriver.Stream) (cudriver.Context, error)
	CtxPushCurrent(ctx cudriver.Context) error
	CtxPopCurrent() error
	CtxGetDevice() (cudriver.Device, error)
	DeviceGetAttribute(attrib int, dev cudriver.Device) (int, error)

	ModuleLoadData(image []byte) (cudriver.Module, error)
	ModuleUnload(mod cudriver.Module) error
	ModuleGetFunction(mod cudriver.Module, name string) (cudriver.Function, error)
	FuncGetAttribute(attrib int, fn cudriver.Function) (int, error)
	FuncSetAttribute(fn cudriver.Function, attrib, value int) error
	FuncSetCacheConfig(fn cudriver.Function, config int) error

	LaunchKernel(fn cudriver.Function, gridX, gridY, gridZ, blockX, blockY, blockZ, sharedMemBytes uint32, stream cudriver.Stream, params []unsafe.Pointer) error
	MemsetD8Async(dst cudriver.DevicePtr, value byte, n uint64, stream cudriver.Stream) error
	MemcpyDtoHAsync(dst []byte, src cudriver.DevicePtr, stream cudriver.Stream) error
	MemcpyHtoDAsync(dst cudriver.DevicePtr, src []byte, stream cudriver.Stream) error
	StreamSynchronize(stream cudriver.Stream) error

	EventCreate(flags uint32) (cudriver.Event, error)
	EventRecord(ev cudriver.Event, stream cudriver.Stream) error
	EventSynchronize(ev cudriver.Event) error
	EventElapsedTime(start, stop cudriver.Event) (float32, error)
	EventDestroy(ev cudriver.Event) error
}

// AsmCompiler turns kernel assembly into a device module image for the given
// compute capability. The production implementation shells out to ptxas.
type AsmCompiler func(ccMajor, ccMinor int, source string) ([]byte, error)
