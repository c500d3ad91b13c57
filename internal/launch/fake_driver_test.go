package launch

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/samcharles93/magma/internal/cudriver"
)

// fakeDriver emulates the slice of the CUDA driver the launcher uses. It
// models a monotonic GPU clock advanced by per-kernel launch costs so event
// timing behaves deterministically, and an optional byte-addressable device
// memory for the copy paths.
type fakeDriver struct {
	mu sync.Mutex

	// Context plumbing. Streams resolve through streamCtx, falling back to
	// defaultCtx.
	defaultCtx cudriver.Context
	streamCtx  map[cudriver.Stream]cudriver.Context
	ctxStack   []cudriver.Context
	pushCount  int
	popCount   int

	// Module and function handles.
	nextModule  uintptr
	nextFunc    uintptr
	moduleLoads int
	funcEntries map[cudriver.Function]string

	// Per-entry launch cost in milliseconds, driving the fake clock.
	costMs  map[string]float32
	clockMs float32

	// Events.
	nextEvent    uintptr
	events       map[cudriver.Event]*fakeEvent
	eventCreates int
	liveEvents   int

	// Recorded operations, in issue order.
	ops      []string
	launches []fakeLaunch
	memsets  []fakeMemset
	syncs    int

	// Simulated device memory for async copies, keyed by device pointer.
	mem map[cudriver.DevicePtr][]byte

	// onLaunch runs after each recorded launch, letting tests scribble on
	// simulated memory the way a real kernel would.
	onLaunch func(entry string)

	// Device and function attributes.
	deviceAttr map[int]int
	funcAttr   map[cudriver.Function]map[int]int

	// errOn injects a failure into the named driver call.
	errOn map[string]error
}

type fakeEvent struct {
	recorded bool
	atMs     float32
}

type fakeLaunch struct {
	entry  string
	grid   [3]uint32
	block  [3]uint32
	shared uint32
	stream cudriver.Stream
	// params holds each kernel parameter dereferenced one level at call
	// time, exactly as the driver would read it.
	params []uint64
}

type fakeMemset struct {
	dst    cudriver.DevicePtr
	value  byte
	n      uint64
	stream cudriver.Stream
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		defaultCtx:  cudriver.Context(0x1000),
		streamCtx:   make(map[cudriver.Stream]cudriver.Context),
		funcEntries: make(map[cudriver.Function]string),
		costMs:      make(map[string]float32),
		events:      make(map[cudriver.Event]*fakeEvent),
		mem:         make(map[cudriver.DevicePtr][]byte),
		deviceAttr:  make(map[int]int),
		funcAttr:    make(map[cudriver.Function]map[int]int),
		errOn:       make(map[string]error),
	}
}

func (f *fakeDriver) fail(name string) error {
	if err, ok := f.errOn[name]; ok {
		return err
	}
	return nil
}

func (f *fakeDriver) StreamGetCtx(stream cudriver.Stream) (cudriver.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("StreamGetCtx"); err != nil {
		return 0, err
	}
	if ctx, ok := f.streamCtx[stream]; ok {
		return ctx, nil
	}
	return f.defaultCtx, nil
}

func (f *fakeDriver) CtxPushCurrent(ctx cudriver.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CtxPushCurrent"); err != nil {
		return err
	}
	f.ctxStack = append(f.ctxStack, ctx)
	f.pushCount++
	return nil
}

func (f *fakeDriver) CtxPopCurrent() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ctxStack) == 0 {
		return fmt.Errorf("fake driver: context stack underflow")
	}
	f.ctxStack = f.ctxStack[:len(f.ctxStack)-1]
	f.popCount++
	return nil
}

func (f *fakeDriver) CtxGetDevice() (cudriver.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("CtxGetDevice"); err != nil {
		return 0, err
	}
	return 0, nil
}

func (f *fakeDriver) DeviceGetAttribute(attrib int, _ cudriver.Device) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("DeviceGetAttribute"); err != nil {
		return 0, err
	}
	return f.deviceAttr[attrib], nil
}

func (f *fakeDriver) ModuleLoadData(image []byte) (cudriver.Module, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ModuleLoadData"); err != nil {
		return 0, err
	}
	f.nextModule++
	f.moduleLoads++
	return cudriver.Module(f.nextModule), nil
}

func (f *fakeDriver) ModuleUnload(cudriver.Module) error {
	return nil
}

func (f *fakeDriver) ModuleGetFunction(_ cudriver.Module, name string) (cudriver.Function, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ModuleGetFunction"); err != nil {
		return 0, err
	}
	f.nextFunc++
	fn := cudriver.Function(f.nextFunc)
	f.funcEntries[fn] = name
	return fn, nil
}

func (f *fakeDriver) FuncGetAttribute(attrib int, fn cudriver.Function) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FuncGetAttribute"); err != nil {
		return 0, err
	}
	return f.funcAttr[fn][attrib], nil
}

func (f *fakeDriver) FuncSetAttribute(fn cudriver.Function, attrib, value int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FuncSetAttribute"); err != nil {
		return err
	}
	if f.funcAttr[fn] == nil {
		f.funcAttr[fn] = make(map[int]int)
	}
	f.funcAttr[fn][attrib] = value
	f.ops = append(f.ops, fmt.Sprintf("setattr:%d=%d", attrib, value))
	return nil
}

func (f *fakeDriver) FuncSetCacheConfig(fn cudriver.Function, config int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("FuncSetCacheConfig"); err != nil {
		return err
	}
	f.ops = append(f.ops, fmt.Sprintf("cacheconfig:%d", config))
	return nil
}

func (f *fakeDriver) LaunchKernel(fn cudriver.Function, gridX, gridY, gridZ, blockX, blockY, blockZ, sharedMemBytes uint32, stream cudriver.Stream, params []unsafe.Pointer) error {
	f.mu.Lock()
	if err := f.fail("LaunchKernel"); err != nil {
		f.mu.Unlock()
		return err
	}
	entry := f.funcEntries[fn]
	rec := fakeLaunch{
		entry:  entry,
		grid:   [3]uint32{gridX, gridY, gridZ},
		block:  [3]uint32{blockX, blockY, blockZ},
		shared: sharedMemBytes,
		stream: stream,
		params: make([]uint64, len(params)),
	}
	for i, p := range params {
		rec.params[i] = *(*uint64)(p)
	}
	f.launches = append(f.launches, rec)
	f.ops = append(f.ops, "launch:"+entry)
	f.clockMs += f.costMs[entry]
	hook := f.onLaunch
	f.mu.Unlock()
	if hook != nil {
		hook(entry)
	}
	return nil
}

func (f *fakeDriver) MemsetD8Async(dst cudriver.DevicePtr, value byte, n uint64, stream cudriver.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("MemsetD8Async"); err != nil {
		return err
	}
	f.memsets = append(f.memsets, fakeMemset{dst: dst, value: value, n: n, stream: stream})
	f.ops = append(f.ops, "memset")
	if buf, ok := f.mem[dst]; ok {
		for i := uint64(0); i < n && i < uint64(len(buf)); i++ {
			buf[i] = value
		}
	}
	return nil
}

func (f *fakeDriver) MemcpyDtoHAsync(dst []byte, src cudriver.DevicePtr, stream cudriver.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("MemcpyDtoHAsync"); err != nil {
		return err
	}
	f.ops = append(f.ops, "dtoh")
	if buf, ok := f.mem[src]; ok {
		copy(dst, buf)
	}
	return nil
}

func (f *fakeDriver) MemcpyHtoDAsync(dst cudriver.DevicePtr, src []byte, stream cudriver.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("MemcpyHtoDAsync"); err != nil {
		return err
	}
	f.ops = append(f.ops, "htod")
	if buf, ok := f.mem[dst]; ok {
		copy(buf, src)
	}
	return nil
}

func (f *fakeDriver) StreamSynchronize(stream cudriver.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("StreamSynchronize"); err != nil {
		return err
	}
	f.syncs++
	f.ops = append(f.ops, "sync")
	return nil
}

func (f *fakeDriver) EventCreate(flags uint32) (cudriver.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("EventCreate"); err != nil {
		return 0, err
	}
	f.nextEvent++
	ev := cudriver.Event(f.nextEvent)
	f.events[ev] = &fakeEvent{}
	f.eventCreates++
	f.liveEvents++
	return ev, nil
}

func (f *fakeDriver) EventRecord(ev cudriver.Event, stream cudriver.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("EventRecord"); err != nil {
		return err
	}
	e, ok := f.events[ev]
	if !ok {
		return fmt.Errorf("fake driver: record on unknown event %d", ev)
	}
	e.recorded = true
	e.atMs = f.clockMs
	return nil
}

func (f *fakeDriver) EventSynchronize(ev cudriver.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail("EventSynchronize")
}

func (f *fakeDriver) EventElapsedTime(start, stop cudriver.Event) (float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("EventElapsedTime"); err != nil {
		return 0, err
	}
	s, ok1 := f.events[start]
	e, ok2 := f.events[stop]
	if !ok1 || !ok2 || !s.recorded || !e.recorded {
		return 0, fmt.Errorf("fake driver: elapsed time on unrecorded events")
	}
	return e.atMs - s.atMs, nil
}

func (f *fakeDriver) EventDestroy(ev cudriver.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.events[ev]; !ok {
		return fmt.Errorf("fake driver: destroy of unknown event %d", ev)
	}
	delete(f.events, ev)
	f.liveEvents--
	return nil
}

// contextBalanced reports whether every context push was matched by a pop.
func (f *fakeDriver) contextBalanced() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ctxStack) == 0 && f.pushCount == f.popCount
}

func (f *fakeDriver) launchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

func (f *fakeDriver) launchEntries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.launches))
	for i, l := range f.launches {
		out[i] = l.entry
	}
	return out
}

// fakeCompiler is an AsmCompiler that records every compilation.
type fakeCompiler struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *fakeCompiler) compile(ccMajor, ccMinor int, source string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	key := fmt.Sprintf("%d.%d/%s", ccMajor, ccMinor, source)
	c.calls = append(c.calls, key)
	return []byte("cubin:" + source), nil
}

func (c *fakeCompiler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}
