// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bluez

// BlueZ daemon vocabulary (legacy org.bluez D-Bus API).
const (
	BusName = "org.bluez"

	ManagerPath      = "/"
	ManagerInterface = "org.bluez.Manager"
	AdapterInterface = "org.bluez.Adapter"
	DeviceInterface  = "org.bluez.Device"
	AgentInterface   = "org.bluez.Agent"

	AudioSinkInterface = "org.bluez.AudioSink"
)

// Daemon error names the bridge maps or emits.
const (
	ErrNameAuthenticationFailed    = "org.bluez.Error.AuthenticationFailed"
	ErrNameAuthenticationRejected  = "org.bluez.Error.AuthenticationRejected"
	ErrNameAuthenticationCanceled  = "org.bluez.Error.AuthenticationCanceled"
	ErrNameConnectionAttemptFailed = "org.bluez.Error.ConnectionAttemptFailed"
	ErrNameAlreadyExists           = "org.bluez.Error.AlreadyExists"
	ErrNameInProgress              = "org.bluez.Error.InProgress"
	ErrNameRejected                = "org.bluez.Error.Rejected"
	ErrNameCanceled                = "org.bluez.Error.Canceled"
)

// matchRules are the signal subscriptions installed at setup and removed
// at teardown, in this order.
var matchRules = []string{
	"type='signal',interface='org.freedesktop.DBus'",
	"type='signal',interface='" + AdapterInterface + "'",
	"type='signal',interface='" + DeviceInterface + "'",
	"type='signal',interface='" + AudioSinkInterface + "'",
}

// poweredProperty is the adapter property whose rising edge re-resolves
// the default adapter path.
const poweredProperty = "Powered"

// BondResult is the closed result taxonomy for pairing completions.
type BondResult int

const (
	BondError               BondResult = -1000
	BondSuccess             BondResult = 0
	BondAuthFailed          BondResult = 1
	BondAuthRejected        BondResult = 2
	BondAuthCanceled        BondResult = 3
	BondRemoteDeviceDown    BondResult = 4
	BondDiscoveryInProgress BondResult = 5
)

func (r BondResult) String() string {
	switch r {
	case BondSuccess:
		return "success"
	case BondAuthFailed:
		return "auth_failed"
	case BondAuthRejected:
		return "auth_rejected"
	case BondAuthCanceled:
		return "auth_canceled"
	case BondRemoteDeviceDown:
		return "remote_device_down"
	case BondDiscoveryInProgress:
		return "discovery_in_progress"
	case BondError:
		return "error"
	default:
		return "unknown"
	}
}

// ServiceChannelNone is reported when a profile-channel lookup fails.
const ServiceChannelNone int32 = -2
