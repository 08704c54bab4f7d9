package bluez

// Callbacks binds application handlers to daemon events. The zero value is
// valid: a nil field drops its event.
//
// All handlers run on the event loop's worker goroutine, except the two
// result handlers, which run on the Stop caller when teardown cancels an
// outstanding call. Handlers must return promptly; a blocked handler stalls
// all dispatch. Calling Service.Stop from inside a handler deadlocks.
type Callbacks struct {
	// DeviceFound fires once per discovery advertisement with the remote
	// address and the flattened property list.
	DeviceFound func(address string, props Properties)

	// DeviceDisappeared fires when a discovered device ages out.
	DeviceDisappeared func(address string)

	// DeviceCreated and DeviceRemoved fire with the device object path
	// when the daemon materializes or drops a device object.
	DeviceCreated func(path string)
	DeviceRemoved func(path string)

	// AdapterPropertyChanged fires on adapter property updates, after any
	// default-adapter re-resolution triggered by a power-on.
	AdapterPropertyChanged func(prop Property)

	// DevicePropertyChanged fires on device property updates with the
	// originating object path.
	DevicePropertyChanged func(path string, prop Property)

	// AgentAuthorize decides a profile authorization request for the
	// device at path. Returning false rejects. Nil rejects every request.
	AgentAuthorize func(devicePath, uuid string) bool

	// AgentCancel fires when the daemon withdraws its pending agent
	// request.
	AgentCancel func()

	// RequestPinCode receives a single-use ticket for a PIN request. The
	// ticket may be answered later from any goroutine. Nil refuses the
	// request immediately.
	RequestPinCode func(req *PinRequest)

	// CreatePairedDeviceResult reports the outcome of a pairing attempt.
	CreatePairedDeviceResult func(address string, result BondResult)

	// DeviceServiceChannelResult reports a profile channel lookup;
	// channel is ServiceChannelNone when the lookup failed.
	DeviceServiceChannelResult func(address string, channel int32)
}

// unset lists the names of nil callback fields.
func (cb Callbacks) unset() []string {
	var names []string
	if cb.DeviceFound == nil {
		names = append(names, "DeviceFound")
	}
	if cb.DeviceDisappeared == nil {
		names = append(names, "DeviceDisappeared")
	}
	if cb.DeviceCreated == nil {
		names = append(names, "DeviceCreated")
	}
	if cb.DeviceRemoved == nil {
		names = append(names, "DeviceRemoved")
	}
	if cb.AdapterPropertyChanged == nil {
		names = append(names, "AdapterPropertyChanged")
	}
	if cb.DevicePropertyChanged == nil {
		names = append(names, "DevicePropertyChanged")
	}
	if cb.AgentAuthorize == nil {
		names = append(names, "AgentAuthorize")
	}
	if cb.AgentCancel == nil {
		names = append(names, "AgentCancel")
	}
	if cb.RequestPinCode == nil {
		names = append(names, "RequestPinCode")
	}
	if cb.CreatePairedDeviceResult == nil {
		names = append(names, "CreatePairedDeviceResult")
	}
	if cb.DeviceServiceChannelResult == nil {
		names = append(names, "DeviceServiceChannelResult")
	}
	return names
}
