package launch

import (
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/samcharles93/magma/internal/cudriver"
	"github.com/samcharles93/magma/internal/logger"
	"github.com/samcharles93/magma/internal/metrics"
	"github.com/samcharles93/magma/pkg/descriptor"
)

// Autotuning aims for roughly this much GPU time per timed measurement.
const benchmarkTargetMillis = 10.0

// Benchmark iteration counts are capped regardless of how fast a config runs.
const maxBenchmarkIters = 100

// autotuneConfig pairs one candidate call with its description for logs.
type autotuneConfig struct {
	call        *KernelCall
	description string
}

// inputOutputAlias declares that the runtime may pass the same device pointer
// for an input and an output buffer slot.
type inputOutputAlias struct {
	inputIdx  uint64
	outputIdx uint64
	size      uint64
}

// AutotunedKernelCall benchmarks its candidate configs on the first launch,
// keeps only the fastest, and behaves as a plain kernel call afterwards. The
// first launch's terminal status is latched: a failed autotune is reported
// verbatim by every later launch without retrying.
type AutotunedKernelCall struct {
	drv     Driver
	log     logger.Logger
	name    string
	aliases []inputOutputAlias

	once    sync.Once
	status  error
	configs []autotuneConfig
}

func newAutotunedKernelCall(drv Driver, kernels *KernelCache, log logger.Logger, d *descriptor.AutotunedKernelCall) (*AutotunedKernelCall, error) {
	configs := make([]autotuneConfig, 0, len(d.Configs))
	for i := range d.Configs {
		call, err := newKernelCall(drv, kernels, &d.Configs[i].KernelCall)
		if err != nil {
			return nil, err
		}
		configs = append(configs, autotuneConfig{call: call, description: d.Configs[i].Description})
	}
	if len(configs) == 0 {
		return nil, invalidArgumentf("AutotunedKernelCall", "%q has no configs", d.Name)
	}

	aliases := make([]inputOutputAlias, 0, len(d.InputOutputAliases))
	for _, a := range d.InputOutputAliases {
		aliases = append(aliases, inputOutputAlias{
			inputIdx:  a.InputBufferIdx,
			outputIdx: a.OutputBufferIdx,
			size:      a.BufferSizeBytes,
		})
	}

	return &AutotunedKernelCall{
		drv:     drv,
		log:     log,
		name:    d.Name,
		aliases: aliases,
		configs: configs,
	}, nil
}

// NumBuffers returns the number of device buffers the runtime must supply.
// All configs bind the same buffer set, so any config answers.
func (a *AutotunedKernelCall) NumBuffers() int {
	return a.configs[0].call.NumBuffers()
}

// Launch runs autotuning exactly once (first caller wins; the rest block
// until the status is published), then delegates to the surviving config.
func (a *AutotunedKernelCall) Launch(stream cudriver.Stream, buffers []cudriver.DevicePtr) error {
	a.once.Do(func() {
		if len(a.configs) > 1 {
			start := time.Now()
			a.status = a.autotune(stream, buffers)
			metrics.AutotuneDuration.Observe(time.Since(start).Seconds())
			metrics.AutotuneRunsTotal.WithLabelValues(outcomeLabel(a.status)).Inc()
		}
	})
	if a.status != nil {
		return a.status
	}
	return a.configs[0].call.Launch(stream, buffers)
}

// autotune benchmarks every config on the real buffers and keeps the fastest
// in position 0. Aliased inputs are snapshotted to host memory first and
// restored afterwards, since repeated kernel runs overwrite them.
func (a *AutotunedKernelCall) autotune(stream cudriver.Stream, buffers []cudriver.DevicePtr) error {
	const op = "AutotunedKernelCall.autotune"

	// Driver calls below that don't take the stream need a current context.
	ctx, err := a.drv.StreamGetCtx(stream)
	if err != nil {
		return driverError(op, err)
	}
	if err := a.drv.CtxPushCurrent(ctx); err != nil {
		return driverError(op, err)
	}
	defer func() { _ = a.drv.CtxPopCurrent() }()

	inputCopies := make(map[uint64][]byte)
	for _, al := range a.aliases {
		if al.inputIdx >= uint64(len(buffers)) || al.outputIdx >= uint64(len(buffers)) {
			return invalidArgumentf(op, "alias (%d, %d) out of range for %d buffers", al.inputIdx, al.outputIdx, len(buffers))
		}
		if buffers[al.inputIdx] != buffers[al.outputIdx] {
			continue
		}
		copyBuf := make([]byte, al.size)
		if err := a.drv.MemcpyDtoHAsync(copyBuf, buffers[al.inputIdx], stream); err != nil {
			return driverError(op, err)
		}
		inputCopies[al.inputIdx] = copyBuf
	}

	a.log.Info("autotuning kernel", "name", a.name, "configs", len(a.configs))

	// One iteration of each config calibrates how many iterations a timed
	// measurement needs to reach the target duration.
	best := float32(math.Inf(1))
	for i := range a.configs {
		t, err := a.benchmark(stream, a.configs[i].call, buffers, 1)
		if err != nil {
			return err
		}
		a.log.Info("calibrated config", "name", a.name, "config", a.configs[i].description, "ms", t)
		if t < best {
			best = t
		}
	}

	timedIters := int(benchmarkTargetMillis / best)
	if timedIters < 1 {
		timedIters = 1
	}
	if timedIters > maxBenchmarkIters {
		timedIters = maxBenchmarkIters
	}
	a.log.Info("benchmarking", "name", a.name, "iters", timedIters, "target_ms", benchmarkTargetMillis)

	best = float32(math.Inf(1))
	for i := range a.configs {
		t, err := a.benchmark(stream, a.configs[i].call, buffers, timedIters)
		if err != nil {
			return err
		}
		a.log.Info("benchmarked config", "name", a.name, "config", a.configs[i].description, "iters", timedIters, "ms", t)
		if t < best {
			best = t
			a.configs[0], a.configs[i] = a.configs[i], a.configs[0]
		}
	}

	// Keep only the winner; the swap above preserved its parameter vector
	// and kernel reference without copying.
	a.configs = a.configs[:1]
	a.log.Info("finished autotuning", "name", a.name, "best", a.configs[0].description)

	for _, al := range a.aliases {
		copyBuf, ok := inputCopies[al.inputIdx]
		if !ok {
			continue
		}
		if err := a.drv.MemcpyHtoDAsync(buffers[al.inputIdx], copyBuf, stream); err != nil {
			return driverError(op, err)
		}
	}

	// The host-side copies must outlive the in-flight restores.
	err = a.drv.StreamSynchronize(stream)
	runtime.KeepAlive(inputCopies)
	if err != nil {
		return driverError(op, err)
	}
	return nil
}

// benchmark measures n launches of the call using a stream-recorded event
// pair, after one untimed warm-up that pays module and function resolution
// costs. Events use default flags; a blocking-sync flag would perturb the
// timed interval.
func (a *AutotunedKernelCall) benchmark(stream cudriver.Stream, call *KernelCall, buffers []cudriver.DevicePtr, n int) (float32, error) {
	const op = "AutotunedKernelCall.benchmark"

	start, err := a.drv.EventCreate(cudriver.CU_EVENT_DEFAULT)
	if err != nil {
		return 0, driverError(op, err)
	}
	defer func() { _ = a.drv.EventDestroy(start) }()

	stop, err := a.drv.EventCreate(cudriver.CU_EVENT_DEFAULT)
	if err != nil {
		return 0, driverError(op, err)
	}
	defer func() { _ = a.drv.EventDestroy(stop) }()

	if err := call.Launch(stream, buffers); err != nil { // warm-up
		return 0, err
	}
	if err := a.drv.EventRecord(start, stream); err != nil {
		return 0, driverError(op, err)
	}
	for i := 0; i < n; i++ {
		if err := call.Launch(stream, buffers); err != nil {
			return 0, err
		}
	}
	if err := a.drv.EventRecord(stop, stream); err != nil {
		return 0, driverError(op, err)
	}
	if err := a.drv.EventSynchronize(stop); err != nil {
		return 0, driverError(op, err)
	}
	elapsed, err := a.drv.EventElapsedTime(start, stop)
	if err != nil {
		return 0, driverError(op, err)
	}
	return elapsed, nil
}
