// Package bluez bridges the BlueZ daemon's D-Bus surface to typed
// application callbacks. A Service owns an event loop over one bus
// connection, translates daemon signals into discovery and property
// events, answers the daemon's pairing-agent calls, and completes
// application-initiated pairing and service-channel queries against a
// closed result taxonomy.
package bluez
