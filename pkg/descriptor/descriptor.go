// Package descriptor defines the wire format handed to the launcher by the
// lowering front end: a zlib-compressed JSON document describing either a
// single kernel call or an autotuned family of candidate calls. The format is
// fixed for the lifetime of a process; front end and launcher are updated in
// lock-step.
package descriptor

import "fmt"

// Descriptor is the top-level variant. Exactly one field must be set.
type Descriptor struct {
	KernelCall          *KernelCall          `json:"kernel_call,omitempty"`
	AutotunedKernelCall *AutotunedKernelCall `json:"autotuned_kernel_call,omitempty"`
}

// Kernel identifies a compiled GPU program. Two kernels with identical fields
// resolve to the same compiled module.
type Kernel struct {
	AssemblySource    string `json:"assembly_source"`
	EntryName         string `json:"entry_name"`
	NumWarps          uint32 `json:"num_warps"`
	SharedMemBytes    uint32 `json:"shared_mem_bytes"`
	ComputeCapability uint32 `json:"compute_capability"`
}

// KernelCall binds a kernel to a launch grid and an ordered parameter list.
type KernelCall struct {
	Kernel     Kernel      `json:"kernel"`
	Grid0      uint32      `json:"grid_0"`
	Grid1      uint32      `json:"grid_1"`
	Grid2      uint32      `json:"grid_2"`
	Parameters []Parameter `json:"parameters"`
}

// Parameter is either an array parameter (bound positionally to a device
// buffer at launch time) or an inline scalar. Exactly one field must be set.
type Parameter struct {
	Array  *ArrayParameter  `json:"array,omitempty"`
	Scalar *ScalarParameter `json:"scalar,omitempty"`
}

// ArrayParameter describes a device-buffer slot.
type ArrayParameter struct {
	BytesToZero            uint64 `json:"bytes_to_zero"`
	Require16ByteAlignment bool   `json:"require_16byte_alignment"`
}

// ScalarParameter is a tagged 64-bit-wide value. Exactly one field must be
// set; anything else is rejected at decode time.
type ScalarParameter struct {
	Bool *bool   `json:"bool,omitempty"`
	I32  *int32  `json:"i32,omitempty"`
	U32  *uint32 `json:"u32,omitempty"`
	I64  *int64  `json:"i64,omitempty"`
	U64  *uint64 `json:"u64,omitempty"`
}

// AutotunedKernelCall is a non-empty family of candidate calls benchmarked on
// first launch.
type AutotunedKernelCall struct {
	Name               string             `json:"name"`
	Configs            []Config           `json:"configs"`
	InputOutputAliases []InputOutputAlias `json:"input_output_aliases,omitempty"`
}

// Config pairs one candidate call with a human-readable description used in
// autotune logs.
type Config struct {
	KernelCall  KernelCall `json:"kernel_call"`
	Description string     `json:"description"`
}

// InputOutputAlias declares that the runtime may pass the same device pointer
// for an input and an output buffer slot.
type InputOutputAlias struct {
	InputBufferIdx  uint64 `json:"input_buffer_idx"`
	OutputBufferIdx uint64 `json:"output_buffer_idx"`
	BufferSizeBytes uint64 `json:"buffer_size_bytes"`
}

// Validate checks the structural invariants the launcher relies on.
func (d *Descriptor) Validate() error {
	switch {
	case d.KernelCall != nil && d.AutotunedKernelCall != nil:
		return fmt.Errorf("descriptor sets both kernel_call and autotuned_kernel_call")
	case d.KernelCall != nil:
		return d.KernelCall.validate()
	case d.AutotunedKernelCall != nil:
		a := d.AutotunedKernelCall
		if len(a.Configs) == 0 {
			return fmt.Errorf("autotuned kernel call %q has no configs", a.Name)
		}
		for i := range a.Configs {
			if err := a.Configs[i].KernelCall.validate(); err != nil {
				return fmt.Errorf("config %d (%s): %w", i, a.Configs[i].Description, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown kernel call type")
	}
}

func (k *KernelCall) validate() error {
	for i := range k.Parameters {
		p := &k.Parameters[i]
		if p.Array != nil && p.Scalar != nil {
			return fmt.Errorf("parameter %d sets both array and scalar", i)
		}
		if p.Array == nil && p.Scalar == nil {
			return fmt.Errorf("parameter %d sets neither array nor scalar", i)
		}
		if p.Scalar != nil {
			if _, err := p.Scalar.variant(); err != nil {
				return fmt.Errorf("parameter %d: %w", i, err)
			}
		}
	}
	return nil
}

// variant reports which scalar field is set, rejecting zero or multiple.
func (s *ScalarParameter) variant() (string, error) {
	var name string
	n := 0
	if s.Bool != nil {
		name, n = "bool", n+1
	}
	if s.I32 != nil {
		name, n = "i32", n+1
	}
	if s.U32 != nil {
		name, n = "u32", n+1
	}
	if s.I64 != nil {
		name, n = "i64", n+1
	}
	if s.U64 != nil {
		name, n = "u64", n+1
	}
	if n != 1 {
		return "", fmt.Errorf("unknown scalar parameter type")
	}
	return name, nil
}

// NumArrays returns the number of array parameters, which equals the number
// of device buffers the runtime supplies per call.
func (k *KernelCall) NumArrays() int {
	n := 0
	for i := range k.Parameters {
		if k.Parameters[i].Array != nil {
			n++
		}
	}
	return n
}
