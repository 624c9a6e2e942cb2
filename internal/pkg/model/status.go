package model

import "encoding/json"

// Status is the document served by a unit at GET /json.
type Status struct {
	System  System `json:"System"`
	WiFi    WiFi   `json:"WiFi"`
	Sensors []Task `json:"Sensors"`
	// TTL is the unit's advertised refresh interval in milliseconds.
	TTL *FlexFloat `json:"TTL,omitempty"`
}

type System struct {
	Build             FlexString `json:"Build"`
	UnitNumber        int        `json:"Unit Number"`
	UnitName          string     `json:"Unit Name"`
	Uptime            *FlexFloat `json:"Uptime"` // minutes
	LastBootCause     string     `json:"Last Boot Cause"`
	ResetReason       string     `json:"Reset Reason"`
	BootCount         int        `json:"Boot"`
	Load              FlexFloat  `json:"Load"`
	FreeRAM           FlexFloat  `json:"Free RAM"`
	HeapMaxFreeBlock  FlexFloat  `json:"Heap Max Free Block"`
	LocalTime         string     `json:"Local Time"`
	UnixTime          FlexFloat  `json:"Unix Time"`
	CPUEcoMode        FlexBool   `json:"CPU Eco Mode"`
	CPUFrequency      FlexFloat  `json:"CPU Frequency"`
	InternalTemp      *FlexFloat `json:"Internal Temperature,omitempty"`
	TimeSource        string     `json:"Time Source"`
	UnitTypeName      string     `json:"Unit Type"`
	BinaryFilename    string     `json:"Binary Filename"`
	GitBuild          string     `json:"Git Build"`
	PluginCount       int        `json:"Plugin Count"`
	Firmware          string     `json:"Firmware"`
	FirmwareBuildTime string     `json:"Build Time"`
}

type WiFi struct {
	Hostname             string     `json:"Hostname"`
	IPConfig             string     `json:"IP Config"`
	IPAddress            string     `json:"IP Address"`
	IPSubnet             string     `json:"IP Subnet"`
	Gateway              string     `json:"Gateway"`
	STAMAC               string     `json:"STA MAC"`
	SSID                 string     `json:"SSID"`
	RSSI                 FlexFloat  `json:"RSSI"`
	LastDisconnectReason FlexString `json:"Last Disconnect Reason"`
	LastDisconnectText   string     `json:"Last Disconnect Reason str"`
	NumberReconnects     int        `json:"Number Reconnects"`
	ConnectedMsec        *FlexFloat `json:"Connected msec,omitempty"`
}

// Task is one entry of Status.Sensors as reported by the firmware.
type Task struct {
	TaskNumber       int           `json:"TaskNumber"`
	TaskName         string        `json:"TaskName"`
	Type             string        `json:"Type"`
	TaskDeviceNumber int           `json:"TaskDeviceNumber"`
	TaskEnabled      FlexBool      `json:"TaskEnabled"`
	TaskInterval     int           `json:"TaskInterval"`
	TaskValues       []TaskValue   `json:"TaskValues"`
	DataAcquisition  []Acquisition `json:"DataAcquisition"`
}

type TaskValue struct {
	ValueNumber int       `json:"ValueNumber"`
	Name        string    `json:"Name"`
	NrDecimals  int       `json:"NrDecimals"`
	Value       FlexFloat `json:"Value"`
}

// Acquisition is a controller binding: the task reports its values to
// Controller under IDX.
type Acquisition struct {
	Controller FlexString `json:"Controller"`
	IDX        int        `json:"IDX"`
	Enabled    FlexBool   `json:"Enabled"`
}

// PinStatus is the reply to the "status,gpio,<pin>" command.
type PinStatus struct {
	Log    string          `json:"log"`
	Plugin int             `json:"plugin"`
	Pin    int             `json:"pin"`
	Mode   string          `json:"mode"`
	State  json.RawMessage `json:"state"`
}
