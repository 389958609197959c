package models

// DispatchAck is the executor's acknowledgment of an action dispatch.
// Accepted means the executor took the command, not that remediation worked.
type DispatchAck struct {
	Accepted bool
	Detail   string
}
