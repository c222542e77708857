package models

import "time"

// WOLConfig holds Wake-on-LAN configuration for the database host.
type WOLConfig struct {
	MACAddress    string
	BroadcastIP   string
	ProbeAddress  string        // host:port dialed until the server accepts connections
	Timeout       time.Duration // max time to wait for the server
	PollInterval  time.Duration // how often to dial ProbeAddress
	StabilizeWait time.Duration // wait after the port opens
}

// WOLResult holds the result of a Wake-on-LAN operation.
type WOLResult struct {
	PacketSent   bool
	TargetReady  bool
	WaitDuration time.Duration
	Error        error
}
