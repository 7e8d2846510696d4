// Package signalk is a minimal SignalK protocol client: discovery document
// fetch, delta-stream WebSocket subscribe, and REST snapshot reads.
package signalk

// Discovery is the server discovery document served at /signalk.
type Discovery struct {
	Endpoints map[string]Endpoint `json:"endpoints"`
	Server    ServerInfo          `json:"server"`
}

// Endpoint describes one protocol version's entry points.
type Endpoint struct {
	Version     string `json:"version"`
	SignalKWS   string `json:"signalk-ws"`
	SignalKHTTP string `json:"signalk-http"`
}

// ServerInfo identifies the server implementation.
type ServerInfo struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// Delta is one incoming delta frame.
type Delta struct {
	Context string        `json:"context"`
	Updates []DeltaUpdate `json:"updates"`
}

// DeltaUpdate is one source's batch of path values.
type DeltaUpdate struct {
	Source    string      `json:"$source"`
	Timestamp string      `json:"timestamp"`
	Values    []PathValue `json:"values"`
}

// PathValue is a single dotted-path observation.
type PathValue struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// SubscribeRequest is the subscription frame sent after connect.
type SubscribeRequest struct {
	Context   string         `json:"context"`
	Subscribe []Subscription `json:"subscribe"`
}

// Subscription selects paths and the update period in milliseconds.
type Subscription struct {
	Path   string `json:"path"`
	Period int64  `json:"period"`
}
