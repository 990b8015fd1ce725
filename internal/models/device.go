package models

// NodeTypeHeater marks the only node type modeled beyond listing.
const NodeTypeHeater = "htr"

// Node is one addressable endpoint within a device. Identity is (DevID, Addr).
type Node struct {
	DevID string `json:"dev_id"`
	Addr  string `json:"addr"`
	Type  string `json:"type"` // "htr", "pmo", "thm", ...
	Name  string `json:"name,omitempty"`
}

// Device groups the nodes of one cloud-registered unit.
type Device struct {
	ID        string `json:"dev_id"`
	Name      string `json:"name,omitempty"`
	Nodes     []Node `json:"nodes,omitempty"`
	Connected bool   `json:"connected"` // realtime channel currently streaming
}
