package cudriver

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ptxasBinary locates the assembler. Swapped in tests.
var ptxasBinary = func() (string, error) {
	return exec.LookPath("ptxas")
}

// SetPtxasPath pins the assembler to an explicit binary instead of searching
// PATH. An empty path restores the default lookup.
func SetPtxasPath(path string) {
	if path == "" {
		ptxasBinary = func() (string, error) {
			return exec.LookPath("ptxas")
		}
		return
	}
	ptxasBinary = func() (string, error) {
		return path, nil
	}
}

// CompileASM assembles kernel assembly for the given compute capability and
// returns the compiled module image. The assembler is an external tool; its
// diagnostics are passed through verbatim on failure.
func CompileASM(ccMajor, ccMinor int, source string) ([]byte, error) {
	ptxas, err := ptxasBinary()
	if err != nil {
		return nil, fmt.Errorf("ptxas not found: %w", err)
	}

	dir, err := os.MkdirTemp("", "magma-ptxas-")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(dir) }()

	in := filepath.Join(dir, "kernel.ptx")
	out := filepath.Join(dir, "kernel.cubin")
	if err := os.WriteFile(in, []byte(source), 0o600); err != nil {
		return nil, err
	}

	arch := fmt.Sprintf("sm_%d%d", ccMajor, ccMinor)
	cmd := exec.Command(ptxas, "--gpu-name="+arch, "-o", out, in)
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ptxas %s failed: %s", arch, strings.TrimSpace(string(output)))
	}

	image, err := os.ReadFile(out)
	if err != nil {
		return nil, err
	}
	return image, nil
}
