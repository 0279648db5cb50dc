package domain

// Connection event names shared by every transport.
const (
	EventDeviceRegister     = "device-register"
	EventDisplayUpdate      = "display-update"
	EventItemStarted        = "item-started"
	EventItemCompleted      = "item-completed"
	EventRequestStarted     = "request-started"
	EventRequestCompleted   = "request-completed"
	EventRequestAborted     = "request-aborted"
	EventDeviceStatusUpdate = "device-status-update"
	EventLockStatusUpdate   = "lock-status-update"
	EventStaleLineItems     = "stale-line-items"
	EventInventoryAdjusted  = "inventory-adjusted"
	EventError              = "error"
)

type Role string

const (
	RoleDevice Role = "iot-device"
	RoleTablet Role = "tablet"
)

type RegisterPayload struct {
	DeviceID string `json:"deviceId,omitempty" validate:"required_if=Type iot-device"`
	Type     Role   `json:"type" validate:"required,oneof=iot-device tablet"`
}

// CompletionReport is what a device (or a tablet on its behalf) sends when work is done.
type CompletionReport struct {
	DeviceID      string `json:"deviceId,omitempty"`
	RequestNumber string `json:"requestNumber" validate:"required"`
	LineNumber    int    `json:"lineNumber" validate:"required,gt=0"`
	CompletedBy   string `json:"completedBy,omitempty"`
}

type ItemCompletedEvent struct {
	RequestNumber string `json:"requestNumber"`
	LineNumber    int    `json:"lineNumber"`
	DeviceID      string `json:"deviceId"`
	CompletedBy   string `json:"completedBy"`
}

type ItemStartedEvent struct {
	RequestNumber string `json:"requestNumber"`
	LineNumber    int    `json:"lineNumber"`
	DeviceID      string `json:"deviceId"`
	StartedBy     string `json:"startedBy"`
}

type RequestEvent struct {
	RequestNumber string        `json:"requestNumber"`
	Status        RequestStatus `json:"status"`
	Worker        string        `json:"worker,omitempty"`
}

type DeviceStatus struct {
	Devices     []string `json:"devices"`
	TabletCount int      `json:"tabletCount"`
}

type ErrorEvent struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}
