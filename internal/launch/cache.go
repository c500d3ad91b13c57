package launch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/magma/internal/cudriver"
	"github.com/samcharles93/magma/internal/logger"
	"github.com/samcharles93/magma/internal/metrics"
	"github.com/samcharles93/magma/pkg/descriptor"
)

// Call is a ready-to-launch call object: either a plain kernel call or an
// autotuned family.
type Call interface {
	// Launch enqueues the call on the stream against the supplied buffers.
	Launch(stream cudriver.Stream, buffers []cudriver.DevicePtr) error
	// NumBuffers returns the number of device buffers the runtime supplies.
	NumBuffers() int
}

// CallInfo describes one cached call for diagnostics.
type CallInfo struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name,omitempty"`
	NumBuffers int       `json:"num_buffers"`
	CachedAt   time.Time `json:"cached_at"`
}

type cacheEntry struct {
	info CallInfo
	call Call
}

// CallCache memoises fully-constructed call objects. The canonical key is
// the decompressed descriptor bytes, so two compressions of the same logical
// descriptor collapse to one entry; the compressed opaque is additionally
// indexed so a repeated call hits without decompressing. Entries are never
// evicted.
type CallCache struct {
	kernels *KernelCache
	log     logger.Logger

	mu      sync.Mutex
	calls   map[string]*cacheEntry
	entries []*cacheEntry
}

func NewCallCache(kernels *KernelCache, log logger.Logger) *CallCache {
	return &CallCache{
		kernels: kernels,
		log:     log,
		calls:   make(map[string]*cacheEntry),
	}
}

// GetCall returns the cached call for the opaque descriptor, decoding and
// constructing it on first sight. Decompression and parsing run outside the
// cache lock.
func (c *CallCache) GetCall(opaque []byte) (Call, error) {
	c.mu.Lock()
	if e, ok := c.calls[string(opaque)]; ok {
		c.mu.Unlock()
		return e.call, nil
	}
	c.mu.Unlock()

	d, serialized, err := descriptor.Decode(opaque)
	if err != nil {
		return nil, &Error{Kind: KindInvalidArgument, Op: "CallCache.GetCall", Err: err}
	}
	call, info, err := c.build(d)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.calls[string(serialized)]; ok {
		// Another compression of a known descriptor, or a lost construction
		// race: the canonical entry wins. Remember this opaque so the next
		// repeat skips decompression.
		c.calls[string(opaque)] = e
		return e.call, nil
	}
	e := &cacheEntry{info: info, call: call}
	e.info.CachedAt = time.Now()
	c.calls[string(serialized)] = e
	c.calls[string(opaque)] = e
	c.entries = append(c.entries, e)
	metrics.CallCacheSize.Set(float64(len(c.entries)))
	c.log.Debug("cached call", "id", e.info.ID, "kind", e.info.Kind, "name", e.info.Name)
	return e.call, nil
}

func (c *CallCache) build(d *descriptor.Descriptor) (Call, CallInfo, error) {
	drv := c.kernels.drv
	switch {
	case d.KernelCall != nil:
		call, err := newKernelCall(drv, c.kernels, d.KernelCall)
		if err != nil {
			return nil, CallInfo{}, err
		}
		info := CallInfo{
			ID:         uuid.NewString(),
			Kind:       "kernel_call",
			Name:       d.KernelCall.Kernel.EntryName,
			NumBuffers: call.NumBuffers(),
		}
		return call, info, nil
	case d.AutotunedKernelCall != nil:
		call, err := newAutotunedKernelCall(drv, c.kernels, c.log, d.AutotunedKernelCall)
		if err != nil {
			return nil, CallInfo{}, err
		}
		info := CallInfo{
			ID:         uuid.NewString(),
			Kind:       "autotuned_kernel_call",
			Name:       d.AutotunedKernelCall.Name,
			NumBuffers: call.NumBuffers(),
		}
		return call, info, nil
	default:
		return nil, CallInfo{}, invalidArgumentf("CallCache.GetCall", "unknown kernel call type")
	}
}

// Calls lists the cached call objects in insertion order.
func (c *CallCache) Calls() []CallInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CallInfo, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.info
	}
	return out
}
