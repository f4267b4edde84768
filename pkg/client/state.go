package client

import "fmt"

// State is the connection lifecycle state. It is a closed set:
// [Disconnected], [Connecting], [Connected], [Reconnecting] and [Failed].
// Values are immutable snapshots; compare by type.
type State interface {
	fmt.Stringer
	isState()
}

// Disconnected is the initial state, and the state after a deliberate
// Disconnect.
type Disconnected struct{}

// Connecting covers the initial dial.
type Connecting struct{}

// Connected means the socket is up and sends are accepted.
type Connected struct{}

// Reconnecting is an automatic recovery cycle after a dropped connection.
type Reconnecting struct {
	// Attempt counts from 1 up to the configured maximum.
	Attempt int
}

// Failed is terminal for the recovery cycle: every reconnect attempt was
// exhausted. A later explicit Connect starts over.
type Failed struct {
	// Reason is the error from the final attempt.
	Reason error
}

func (Disconnected) isState() {}
func (Connecting) isState()   {}
func (Connected) isState()    {}
func (Reconnecting) isState() {}
func (Failed) isState()       {}

func (Disconnected) String() string { return "disconnected" }
func (Connecting) String() string   { return "connecting" }
func (Connected) String() string    { return "connected" }

func (r Reconnecting) String() string { return fmt.Sprintf("reconnecting(attempt %d)", r.Attempt) }

func (f Failed) String() string { return fmt.Sprintf("failed: %v", f.Reason) }
