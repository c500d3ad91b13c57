package launch

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/samcharles93/magma/internal/cudriver"
	"github.com/samcharles93/magma/internal/logger"
	"github.com/samcharles93/magma/internal/metrics"
	"github.com/samcharles93/magma/pkg/descriptor"
)

const numThreadsPerWarp = 32

// The maximum permitted static shared memory allocation in CUDA is 48kB, but
// more can be exposed to the kernel as dynamic shared memory via a
// per-function opt-in attribute.
const maxStaticSharedMemBytes = 49152

// Kernel owns one compiled module image and lazily specialises it per device
// context: the first launch on a context loads the module there and resolves
// the entry point, later launches reuse the cached function handle.
type Kernel struct {
	drv            Driver
	moduleImage    []byte
	entryName      string
	blockDimX      uint32
	sharedMemBytes uint32

	mu        sync.Mutex
	modules   []cudriver.Module
	functions map[cudriver.Context]cudriver.Function
}

func newKernel(drv Driver, moduleImage []byte, entryName string, numWarps, sharedMemBytes uint32) *Kernel {
	return &Kernel{
		drv:            drv,
		moduleImage:    moduleImage,
		entryName:      entryName,
		blockDimX:      numWarps * numThreadsPerWarp,
		sharedMemBytes: sharedMemBytes,
		functions:      make(map[cudriver.Context]cudriver.Function),
	}
}

// Launch resolves the function for the stream's context and enqueues the
// kernel with block dimensions (blockDimX, 1, 1).
func (k *Kernel) Launch(stream cudriver.Stream, grid [3]uint32, params []unsafe.Pointer) error {
	ctx, err := k.drv.StreamGetCtx(stream)
	if err != nil {
		return driverError("Kernel.Launch", err)
	}
	fn, err := k.functionForContext(ctx)
	if err != nil {
		return err
	}
	return driverError("Kernel.Launch", k.drv.LaunchKernel(
		fn, grid[0], grid[1], grid[2],
		k.blockDimX, 1, 1,
		k.sharedMemBytes, stream, params))
}

// functionForContext returns the resolved function for the context, loading
// the module image into the context on first use. Once a (context, function)
// pair is inserted it is never mutated or removed; on any failure nothing is
// inserted.
func (k *Kernel) functionForContext(ctx cudriver.Context) (cudriver.Function, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if fn, ok := k.functions[ctx]; ok {
		return fn, nil
	}

	if err := k.drv.CtxPushCurrent(ctx); err != nil {
		return 0, driverError("Kernel.functionForContext", err)
	}
	defer func() { _ = k.drv.CtxPopCurrent() }()

	mod, err := k.drv.ModuleLoadData(k.moduleImage)
	if err != nil {
		return 0, driverError("Kernel.functionForContext", err)
	}
	k.modules = append(k.modules, mod)

	fn, err := k.drv.ModuleGetFunction(mod, k.entryName)
	if err != nil {
		return 0, driverError("Kernel.functionForContext", err)
	}
	if err := k.configureSharedMemory(fn); err != nil {
		return 0, err
	}

	k.functions[ctx] = fn
	return fn, nil
}

// configureSharedMemory opts a newly resolved function into dynamic shared
// memory beyond the 48 KiB static limit. The cache-preference call must
// precede the dynamic-size attribute write.
func (k *Kernel) configureSharedMemory(fn cudriver.Function) error {
	if k.sharedMemBytes <= maxStaticSharedMemBytes {
		return nil
	}

	const op = "Kernel.configureSharedMemory"
	dev, err := k.drv.CtxGetDevice()
	if err != nil {
		return driverError(op, err)
	}
	sharedOptin, err := k.drv.DeviceGetAttribute(cudriver.CU_DEVICE_ATTRIBUTE_MAX_SHARED_MEMORY_PER_BLOCK_OPTIN, dev)
	if err != nil {
		return driverError(op, err)
	}
	if int(k.sharedMemBytes) > sharedOptin {
		return invalidArgumentf(op, "shared memory requested (%d bytes) exceeds device resources (%d bytes)", k.sharedMemBytes, sharedOptin)
	}
	if sharedOptin > maxStaticSharedMemBytes {
		if err := k.drv.FuncSetCacheConfig(fn, cudriver.CU_FUNC_CACHE_PREFER_SHARED); err != nil {
			return driverError(op, err)
		}
		sharedStatic, err := k.drv.FuncGetAttribute(cudriver.CU_FUNC_ATTRIBUTE_SHARED_SIZE_BYTES, fn)
		if err != nil {
			return driverError(op, err)
		}
		if err := k.drv.FuncSetAttribute(fn, cudriver.CU_FUNC_ATTRIBUTE_MAX_DYNAMIC_SHARED_SIZE_BYTES, sharedOptin-sharedStatic); err != nil {
			return driverError(op, err)
		}
	}
	return nil
}

// kernelKey identifies a compiled kernel. Compute capability is part of the
// key so different devices never alias compiled modules.
type kernelKey struct {
	assemblySource    string
	entryName         string
	numWarps          uint32
	sharedMemBytes    uint32
	computeCapability uint32
}

// KernelCache memoises compiled kernels process-wide. Entries are never
// evicted; the working set is bounded by the number of distinct programs the
// front end emits.
type KernelCache struct {
	drv     Driver
	compile AsmCompiler
	log     logger.Logger

	mu      sync.Mutex
	kernels map[kernelKey]*Kernel
}

func NewKernelCache(drv Driver, compile AsmCompiler, log logger.Logger) *KernelCache {
	return &KernelCache{
		drv:     drv,
		compile: compile,
		log:     log,
		kernels: make(map[kernelKey]*Kernel),
	}
}

// Get returns the canonical kernel for the descriptor, compiling its assembly
// on first use. Compilation runs outside the cache lock; when two callers
// race, the first inserter wins and the loser's work is discarded.
func (c *KernelCache) Get(d *descriptor.Kernel) (*Kernel, error) {
	key := kernelKey{
		assemblySource:    d.AssemblySource,
		entryName:         d.EntryName,
		numWarps:          d.NumWarps,
		sharedMemBytes:    d.SharedMemBytes,
		computeCapability: d.ComputeCapability,
	}

	c.mu.Lock()
	if k, ok := c.kernels[key]; ok {
		c.mu.Unlock()
		return k, nil
	}
	c.mu.Unlock()

	ccMajor := int(d.ComputeCapability) / 10
	ccMinor := int(d.ComputeCapability) % 10
	image, err := c.compile(ccMajor, ccMinor, d.AssemblySource)
	metrics.CompileTotal.WithLabelValues(outcomeLabel(err)).Inc()
	if err != nil {
		var le *Error
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, &Error{Kind: KindInvalidArgument, Op: "KernelCache.Get", Message: "assembly compilation failed", Err: err}
	}
	kernel := newKernel(c.drv, image, d.EntryName, d.NumWarps, d.SharedMemBytes)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.kernels[key]; ok {
		return existing, nil
	}
	c.kernels[key] = kernel
	metrics.KernelCacheSize.Set(float64(len(c.kernels)))
	c.log.Debug("compiled kernel", "entry", d.EntryName, "compute_capability", d.ComputeCapability, "num_warps", d.NumWarps)
	return kernel, nil
}

// Size returns the number of cached kernels.
func (c *KernelCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.kernels)
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
