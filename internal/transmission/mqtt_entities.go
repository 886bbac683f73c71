package transmission

// Entity describes one Home Assistant sensor exposed by the charger. ID is
// both the unique-id suffix and the key in the JSON state payload.
type Entity struct {
	ID          string
	Name        string
	DeviceClass string
	Unit        string
	StateClass  string
	Icon        string
}

// Entities is the list of sensors announced through discovery. Keep IDs in
// sync with the json tags of statePayload.
var Entities = []Entity{
	{ID: "voltage", Name: "Voltage", DeviceClass: "voltage", Unit: "V", StateClass: "measurement"},
	{ID: "current", Name: "Current", DeviceClass: "current", Unit: "A", StateClass: "measurement"},
	{ID: "amp_hours", Name: "Charge", Unit: "Ah", StateClass: "total_increasing", Icon: "mdi:battery-charging"},
	{ID: "watt_hours", Name: "Energy", DeviceClass: "energy", Unit: "Wh", StateClass: "total_increasing"},
	{ID: "elapsed", Name: "Elapsed", DeviceClass: "duration", Unit: "s", StateClass: "measurement"},
	{ID: "phase", Name: "Phase", Icon: "mdi:state-machine"},
}
