package common

// Device identification carried on websocket upgrade requests. Servers that
// cannot read headers fall back to the equivalent query parameters.
const (
	DeviceIDHeader  = "X-Device-Id"
	PlatformHeader  = "X-Device-Platform"
	DeviceIDParam   = "device_id"
	PlatformParam   = "platform"
	ProtocolVersion = "1.0"
)
