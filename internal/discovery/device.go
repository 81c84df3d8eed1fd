package discovery

// DeviceInfo is the Home Assistant device registry block shared by every
// descriptor so HA groups the entities under one device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version"`
}

// Descriptor is the JSON payload of one HA MQTT sensor discovery message.
// Field order is the serialization order.
type Descriptor struct {
	Name                   string     `json:"name"`
	UniqueID               string     `json:"unique_id"`
	StateTopic             string     `json:"state_topic"`
	AvailabilityTopic      string     `json:"availability_topic,omitempty"`
	AvailabilityTemplate   string     `json:"availability_template,omitempty"`
	ValueTemplate          string     `json:"value_template"`
	UnitOfMeasurement      string     `json:"unit_of_measurement,omitempty"`
	DeviceClass            string     `json:"device_class,omitempty"`
	StateClass             string     `json:"state_class,omitempty"`
	Icon                   string     `json:"icon,omitempty"`
	Device                 DeviceInfo `json:"device"`
	JSONAttributesTopic    string     `json:"json_attributes_topic,omitempty"`
	JSONAttributesTemplate string     `json:"json_attributes_template,omitempty"`
}

func newDeviceInfo(id, name, version string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{id},
		Name:         name,
		Model:        "Gas Meter Monitor",
		Manufacturer: "Custom",
		SWVersion:    version,
	}
}
