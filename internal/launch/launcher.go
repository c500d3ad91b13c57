package launch

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/samcharles93/magma/internal/cudriver"
	"github.com/samcharles93/magma/internal/logger"
	"github.com/samcharles93/magma/internal/metrics"
)

// Config wires a launcher's collaborators. Driver is required; a nil Compile
// falls back to the ptxas-based assembler and a nil Logger discards logs.
type Config struct {
	Driver  Driver
	Compile AsmCompiler
	Logger  logger.Logger
}

// Launcher owns the process-wide kernel and call caches and is the library's
// single entry point. All methods are safe for concurrent use from any host
// thread; in-flight calls may target distinct streams and contexts.
type Launcher struct {
	drv     Driver
	log     logger.Logger
	kernels *KernelCache
	calls   *CallCache
}

func New(cfg Config) *Launcher {
	log := cfg.Logger
	if log == nil {
		log = logger.Nop()
	}
	compile := cfg.Compile
	if compile == nil {
		compile = cudriver.CompileASM
	}
	kernels := NewKernelCache(cfg.Driver, compile, log)
	return &Launcher{
		drv:     cfg.Driver,
		log:     log,
		kernels: kernels,
		calls:   NewCallCache(kernels, log),
	}
}

var (
	defaultOnce     sync.Once
	defaultLauncher *Launcher
	defaultErr      error
)

// Default returns the process-wide launcher bound to the real CUDA driver,
// initialising it on first use. There is no teardown: the caches live until
// process exit, alongside the driver itself.
func Default() (*Launcher, error) {
	defaultOnce.Do(func() {
		drv, err := cudriver.New()
		if err != nil {
			defaultErr = fmt.Errorf("load CUDA driver: %w", err)
			return
		}
		defaultLauncher = New(Config{Driver: drv, Logger: logger.Default()})
	})
	return defaultLauncher, defaultErr
}

// Launch resolves the opaque descriptor to a cached call object and launches
// it on the stream against the supplied buffers.
func (l *Launcher) Launch(stream cudriver.Stream, buffers []cudriver.DevicePtr, opaque []byte) error {
	call, err := l.calls.GetCall(opaque)
	if err != nil {
		metrics.LaunchesTotal.WithLabelValues("decode", "error").Inc()
		return err
	}
	err = call.Launch(stream, buffers)
	metrics.LaunchesTotal.WithLabelValues("launch", outcomeLabel(err)).Inc()
	return err
}

// CustomCallStatus is the runtime's failure channel: untouched on success,
// set once with a message on failure.
type CustomCallStatus struct {
	failure *string
}

// SetFailure records the failure message.
func (s *CustomCallStatus) SetFailure(msg string) {
	s.failure = &msg
}

// Failure returns the recorded message, if any.
func (s *CustomCallStatus) Failure() (string, bool) {
	if s.failure == nil {
		return "", false
	}
	return *s.failure, true
}

// CustomCall implements the runtime custom-call contract: buffers points at
// an array of device pointers whose length is implied by the descriptor's
// array parameters. Errors, including panics from lower layers, are reported
// through status; nothing escapes.
func (l *Launcher) CustomCall(stream cudriver.Stream, buffers unsafe.Pointer, opaque []byte, status *CustomCallStatus) {
	err := l.launchCustomCall(stream, buffers, opaque)
	if err != nil {
		status.SetFailure(err.Error())
	}
}

func (l *Launcher) launchCustomCall(stream cudriver.Stream, buffers unsafe.Pointer, opaque []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = internalf("CustomCall", "panic during launch: %v", rec)
		}
	}()

	call, err := l.calls.GetCall(opaque)
	if err != nil {
		metrics.LaunchesTotal.WithLabelValues("decode", "error").Inc()
		return err
	}
	var bufs []cudriver.DevicePtr
	if n := call.NumBuffers(); n > 0 {
		if buffers == nil {
			return internalf("CustomCall", "nil buffer array for %d array parameters", n)
		}
		bufs = unsafe.Slice((*cudriver.DevicePtr)(buffers), n)
	}
	err = call.Launch(stream, bufs)
	metrics.LaunchesTotal.WithLabelValues("launch", outcomeLabel(err)).Inc()
	return err
}

// Kernels exposes the kernel cache for diagnostics.
func (l *Launcher) Kernels() *KernelCache {
	return l.kernels
}

// Calls exposes the call cache for diagnostics.
func (l *Launcher) Calls() *CallCache {
	return l.calls
}

// KernelCacheSize returns the number of distinct compiled kernels resident.
func (l *Launcher) KernelCacheSize() int {
	return l.kernels.Size()
}

// CachedCalls lists the resident call objects in insertion order.
func (l *Launcher) CachedCalls() []CallInfo {
	return l.calls.Calls()
}
