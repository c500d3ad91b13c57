package api

import (
	"github.com/samcharles93/magma/internal/cudriver"
	"github.com/samcharles93/magma/internal/launch"
)

// LauncherStats adapts a launch.Launcher to the Stats interface.
type LauncherStats struct {
	Launcher *launch.Launcher
}

func (s LauncherStats) KernelCacheSize() int {
	return s.Launcher.KernelCacheSize()
}

func (s LauncherStats) CachedCalls() []CallEntry {
	infos := s.Launcher.CachedCalls()
	out := make([]CallEntry, len(infos))
	for i, info := range infos {
		out[i] = CallEntry{
			ID:         info.ID,
			Kind:       info.Kind,
			Name:       info.Name,
			NumBuffers: info.NumBuffers,
		}
	}
	return out
}

// CUDADevices builds a DeviceLister over the real driver.
func CUDADevices(drv *cudriver.Driver) DeviceLister {
	return func() ([]DeviceInfo, error) {
		if err := drv.Init(); err != nil {
			return nil, err
		}
		count, err := drv.DeviceGetCount()
		if err != nil {
			return nil, err
		}
		devices := make([]DeviceInfo, 0, count)
		for i := 0; i < count; i++ {
			dev, err := drv.DeviceGet(i)
			if err != nil {
				return nil, err
			}
			name, err := drv.DeviceGetName(dev)
			if err != nil {
				return nil, err
			}
			cc, err := drv.ComputeCapability(i)
			if err != nil {
				return nil, err
			}
			devices = append(devices, DeviceInfo{Ordinal: i, Name: name, ComputeCapability: cc})
		}
		return devices, nil
	}
}
