package launch

import (
	"testing"

	"github.com/samcharles93/magma/internal/logger"
	"github.com/samcharles93/magma/pkg/descriptor"
)

func testLauncher(t *testing.T, fd *fakeDriver) (*Launcher, *fakeCompiler) {
	t.Helper()
	comp := &fakeCompiler{}
	l := New(Config{Driver: fd, Compile: comp.compile, Logger: logger.Nop()})
	return l, comp
}

func testKernel(entry string) descriptor.Kernel {
	return descriptor.Kernel{
		AssemblySource:    ".entry " + entry,
		EntryName:         entry,
		NumWarps:          4,
		SharedMemBytes:    0,
		ComputeCapability: 80,
	}
}

func arrayParam(bytesToZero uint64, aligned bool) descriptor.Parameter {
	return descriptor.Parameter{Array: &descriptor.ArrayParameter{
		BytesToZero:            bytesToZero,
		Require16ByteAlignment: aligned,
	}}
}

func scalarI32(v int32) descriptor.Parameter {
	return descriptor.Parameter{Scalar: &descriptor.ScalarParameter{I32: &v}}
}

func scalarU64(v uint64) descriptor.Parameter {
	return descriptor.Parameter{Scalar: &descriptor.ScalarParameter{U64: &v}}
}

func scalarBool(v bool) descriptor.Parameter {
	return descriptor.Parameter{Scalar: &descriptor.ScalarParameter{Bool: &v}}
}

func callDescriptor(entry string, grid [3]uint32, params ...descriptor.Parameter) *descriptor.Descriptor {
	return &descriptor.Descriptor{
		KernelCall: &descriptor.KernelCall{
			Kernel: testKernel(entry),
			Grid0:  grid[0], Grid1: grid[1], Grid2: grid[2],
			Parameters: params,
		},
	}
}

func autotunedDescriptor(name string, aliases []descriptor.InputOutputAlias, entries ...string) *descriptor.Descriptor {
	configs := make([]descriptor.Config, 0, len(entries))
	for _, entry := range entries {
		configs = append(configs, descriptor.Config{
			KernelCall: descriptor.KernelCall{
				Kernel: testKernel(entry),
				Grid0:  1, Grid1: 1, Grid2: 1,
				Parameters: []descriptor.Parameter{
					arrayParam(0, false),
					arrayParam(0, false),
				},
			},
			Description: entry,
		})
	}
	return &descriptor.Descriptor{
		AutotunedKernelCall: &descriptor.AutotunedKernelCall{
			Name:               name,
			Configs:            configs,
			InputOutputAliases: aliases,
		},
	}
}

func mustEncode(t *testing.T, d *descriptor.Descriptor) []byte {
	t.Helper()
	opaque, err := descriptor.Encode(d)
	if err != nil {
		t.Fatalf("encode descriptor: %v", err)
	}
	return opaque
}
