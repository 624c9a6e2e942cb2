package model

// PushEvent is a value pushed by a unit to the hub's inbound endpoint.
type PushEvent struct {
	MAC   string `json:"mac"`
	IP    string `json:"ip"`
	IDX   string `json:"idx"`
	Task  string `json:"task"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// InboundResponse is returned to the firmware for every push.
type InboundResponse struct {
	Response string `json:"response"`
}

const InboundOK = "ok"
