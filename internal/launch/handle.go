package launch

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/samcharles93/magma/internal/cudriver"
)

// The runtime resolves its status setter in-process; the symbol is provided
// by the runtime library that registered the custom-call target.
const statusSetFailureSymbol = "XlaCustomCallStatusSetFailure"

var (
	handleOnce sync.Once
	handlePtr  uintptr
	handleErr  error

	setStatusFailure func(status uintptr, message *byte, messageLen uintptr)
)

// GetCustomCallHandle returns a C-callable address implementing the runtime's
// custom-call ABI:
//
//	void target(stream, void** buffers, const char* opaque, size_t opaque_len,
//	            status* s)
//
// The tensor runtime registers this address as a custom-call target. On
// success the status handle is untouched; on failure the error message is
// written through the runtime's status setter.
func GetCustomCallHandle() (uintptr, error) {
	handleOnce.Do(func() {
		if _, err := Default(); err != nil {
			handleErr = err
			return
		}
		sym, err := purego.Dlsym(purego.RTLD_DEFAULT, statusSetFailureSymbol)
		if err != nil || sym == 0 {
			handleErr = fmt.Errorf("resolve %s: %w", statusSetFailureSymbol, err)
			return
		}
		purego.RegisterFunc(&setStatusFailure, sym)

		handlePtr = purego.NewCallback(func(stream, buffers, opaque, opaqueLen, status uintptr) uintptr {
			launchCustomCallABI(stream, buffers, opaque, opaqueLen, status)
			return 0
		})
	})
	return handlePtr, handleErr
}

func launchCustomCallABI(stream, buffers, opaque, opaqueLen, status uintptr) {
	l, err := Default()
	if err != nil {
		reportFailure(status, err.Error())
		return
	}
	var opaqueBytes []byte
	if opaqueLen > 0 {
		opaqueBytes = unsafe.Slice((*byte)(unsafe.Pointer(opaque)), opaqueLen)
	}
	if err := l.launchCustomCall(cudriver.Stream(stream), unsafe.Pointer(buffers), opaqueBytes); err != nil {
		reportFailure(status, err.Error())
	}
}

func reportFailure(status uintptr, msg string) {
	if setStatusFailure == nil || status == 0 {
		return
	}
	b := append([]byte(msg), 0)
	setStatusFailure(status, &b[0], uintptr(len(msg)))
}
