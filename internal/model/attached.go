package model

// Attached device states as reported by adb.
const (
	StateOnline       = "device"
	StateOffline      = "offline"
	StateUnauthorized = "unauthorized"
)

// Attached describes one device known to the adb server.
type Attached struct {
	Serial      string `json:"device"`
	State       string `json:"state"`
	Model       string `json:"model,omitempty"`
	Product     string `json:"product,omitempty"`
	Name        string `json:"name,omitempty"`
	TransportID string `json:"transport_id,omitempty"`
}

// Online reports whether adb can talk to the device.
func (a Attached) Online() bool {
	return a.State == StateOnline || a.State == "online"
}

// Label prefers the model name and falls back to the serial.
func (a Attached) Label() string {
	if a.Model != "" {
		return a.Model
	}
	return a.Serial
}
