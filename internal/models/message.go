package models

// Message is one entry in the global broadcast ring. IDs increase
// monotonically for the lifetime of the process; clients page with them.
type Message struct {
	ID         int64             `json:"id"`
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties,omitempty"`
	Timestamp  int64             `json:"timestamp"` // unix seconds
}

// Assignment is the matchmaker's answer to a request_server call.
type Assignment struct {
	UID     string `json:"uid"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	HostID  string `json:"host_id"`
	Private bool   `json:"private"`
}
