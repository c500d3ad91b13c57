package launch

import (
	"runtime"
	"unsafe"

	"github.com/samcharles93/magma/internal/cudriver"
	"github.com/samcharles93/magma/pkg/descriptor"
)

// parameter is one slot of a kernel call: either a positional device-buffer
// binding or an inline scalar. Scalars are stored in the 64-bit value field;
// the driver is handed the address of that storage, which lives as long as
// the call object.
type parameter struct {
	isArray bool

	// Array fields.
	bytesToZero      uint64
	require16Aligned bool

	// Scalar storage. The kernel reads the low bytes it needs, so narrower
	// variants occupy the low end of the word.
	value uint64
}

// KernelCall binds a shared kernel to a launch grid and an ordered parameter
// list. The i-th device buffer supplied at launch time is consumed by the
// i-th array parameter in declaration order; scalars do not advance the
// buffer cursor.
type KernelCall struct {
	drv       Driver
	kernel    *Kernel
	grid      [3]uint32
	params    []parameter
	numArrays int
}

func newKernelCall(drv Driver, kernels *KernelCache, d *descriptor.KernelCall) (*KernelCall, error) {
	kernel, err := kernels.Get(&d.Kernel)
	if err != nil {
		return nil, err
	}

	params := make([]parameter, 0, len(d.Parameters))
	numArrays := 0
	for i := range d.Parameters {
		p := &d.Parameters[i]
		switch {
		case p.Array != nil:
			params = append(params, parameter{
				isArray:          true,
				bytesToZero:      p.Array.BytesToZero,
				require16Aligned: p.Array.Require16ByteAlignment,
			})
			numArrays++
		case p.Scalar != nil:
			value, err := scalarValue(p.Scalar)
			if err != nil {
				return nil, err
			}
			params = append(params, parameter{value: value})
		default:
			return nil, invalidArgumentf("KernelCall", "unknown parameter type at index %d", i)
		}
	}

	return &KernelCall{
		drv:       drv,
		kernel:    kernel,
		grid:      [3]uint32{d.Grid0, d.Grid1, d.Grid2},
		params:    params,
		numArrays: numArrays,
	}, nil
}

func scalarValue(s *descriptor.ScalarParameter) (uint64, error) {
	switch {
	case s.Bool != nil:
		if *s.Bool {
			return 1, nil
		}
		return 0, nil
	case s.I32 != nil:
		return uint64(uint32(*s.I32)), nil
	case s.U32 != nil:
		return uint64(*s.U32), nil
	case s.I64 != nil:
		return uint64(*s.I64), nil
	case s.U64 != nil:
		return *s.U64, nil
	default:
		return 0, invalidArgumentf("KernelCall", "unknown scalar parameter type")
	}
}

// NumBuffers returns the number of device buffers the runtime must supply.
func (c *KernelCall) NumBuffers() int {
	return c.numArrays
}

// Launch binds the runtime-supplied buffers to the array parameters in order
// and enqueues the kernel. The buffers slice must remain valid until Launch
// returns; the driver copies parameter values synchronously.
func (c *KernelCall) Launch(stream cudriver.Stream, buffers []cudriver.DevicePtr) error {
	if len(buffers) != c.numArrays {
		return internalf("KernelCall.Launch", "got %d buffers for %d array parameters", len(buffers), c.numArrays)
	}

	// slots holds the device pointers; the driver dereferences one level, so
	// each array parameter slot records the address of its entry here.
	slots := make([]cudriver.DevicePtr, c.numArrays)
	params := make([]unsafe.Pointer, 0, len(c.params))

	b := 0
	for i := range c.params {
		p := &c.params[i]
		if !p.isArray {
			params = append(params, unsafe.Pointer(&p.value))
			continue
		}
		ptr := buffers[b]
		if p.require16Aligned && ptr%16 != 0 {
			return invalidArgumentf("KernelCall.Launch", "parameter %d (%#x) is not divisible by 16", i, uintptr(ptr))
		}
		if p.bytesToZero > 0 {
			if err := c.drv.MemsetD8Async(ptr, 0, p.bytesToZero, stream); err != nil {
				return driverError("KernelCall.Launch", err)
			}
		}
		slots[b] = ptr
		params = append(params, unsafe.Pointer(&slots[b]))
		b++
	}

	err := c.kernel.Launch(stream, c.grid, params)
	runtime.KeepAlive(slots)
	runtime.KeepAlive(c.params)
	return err
}
