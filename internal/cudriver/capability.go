package cudriver

// ComputeCapability initialises the driver if needed and returns the
// two-digit compute capability (10*major + minor) of the given device.
func (d *Driver) ComputeCapability(ordinal int) (int, error) {
	if err := d.Init(); err != nil {
		return 0, err
	}
	dev, err := d.DeviceGet(ordinal)
	if err != nil {
		return 0, err
	}
	major, err := d.DeviceGetAttribute(CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR, dev)
	if err != nil {
		return 0, err
	}
	minor, err := d.DeviceGetAttribute(CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR, dev)
	if err != nil {
		return 0, err
	}
	return major*10 + minor, nil
}
