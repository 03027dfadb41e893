package plugin

// Type represents the functional category of a plugin.
type Type string

const (
	// TypeSkill plugins contribute single-capability skills to the registry.
	TypeSkill Type = "skill"
	// TypeHub plugins contribute multi-step workflow hubs.
	TypeHub Type = "hub"
)

// Capability expresses optional features a plugin may request access to.
// The names line up with the risk categories the authorization gate scores,
// so an operator can reason about a plugin the same way as a plan step.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Category     Type
	Capabilities []Capability
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)
