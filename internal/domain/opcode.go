package domain

// Opcode is the operation type of a backend job.
type Opcode string

const (
	OpInstanceCreate          Opcode = "OP_INSTANCE_CREATE"
	OpInstanceRemove          Opcode = "OP_INSTANCE_REMOVE"
	OpInstanceStartup         Opcode = "OP_INSTANCE_STARTUP"
	OpInstanceShutdown        Opcode = "OP_INSTANCE_SHUTDOWN"
	OpInstanceReboot          Opcode = "OP_INSTANCE_REBOOT"
	OpInstanceSetParams       Opcode = "OP_INSTANCE_SET_PARAMS"
	OpInstanceQueryData       Opcode = "OP_INSTANCE_QUERY_DATA"
	OpInstanceReinstall       Opcode = "OP_INSTANCE_REINSTALL"
	OpInstanceActivateDisks   Opcode = "OP_INSTANCE_ACTIVATE_DISKS"
	OpInstanceDeactivateDisks Opcode = "OP_INSTANCE_DEACTIVATE_DISKS"
	OpInstanceReplaceDisks    Opcode = "OP_INSTANCE_REPLACE_DISKS"
	OpInstanceMigrate         Opcode = "OP_INSTANCE_MIGRATE"
	OpInstanceConsole         Opcode = "OP_INSTANCE_CONSOLE"
	OpInstanceRecreateDisks   Opcode = "OP_INSTANCE_RECREATE_DISKS"
	OpInstanceFailover        Opcode = "OP_INSTANCE_FAILOVER"
)

// TransitionKind distinguishes a state change from an explicit "no change".
type TransitionKind int

const (
	NoChange TransitionKind = iota
	ChangeTo
)

// Transition is the effect a successful opcode has on operstate.
type Transition struct {
	Kind  TransitionKind
	State OperState
}

// Apply returns the operstate after the transition.
func (t Transition) Apply(current OperState) OperState {
	if t.Kind == ChangeTo {
		return t.State
	}
	return current
}

func to(s OperState) Transition { return Transition{Kind: ChangeTo, State: s} }

var keep = Transition{Kind: NoChange}

var opcodeTransitions = map[Opcode]Transition{
	OpInstanceCreate:          to(OperStateStarted),
	OpInstanceRemove:          to(OperStateDestroyed),
	OpInstanceStartup:         to(OperStateStarted),
	OpInstanceShutdown:        to(OperStateStopped),
	OpInstanceReboot:          to(OperStateStarted),
	OpInstanceSetParams:       keep,
	OpInstanceQueryData:       keep,
	OpInstanceReinstall:       keep,
	OpInstanceActivateDisks:   keep,
	OpInstanceDeactivateDisks: keep,
	OpInstanceReplaceDisks:    keep,
	OpInstanceMigrate:         keep,
	OpInstanceConsole:         keep,
	OpInstanceRecreateDisks:   keep,
	OpInstanceFailover:        keep,
}

// TransitionFor maps an opcode to the operstate it produces on success.
// The mapping is total: an unknown opcode yields NoChange and known=false.
func TransitionFor(op Opcode) (t Transition, known bool) {
	t, known = opcodeTransitions[op]
	if !known {
		return keep, false
	}
	return t, true
}

// IsLifecycle reports whether the opcode changes operstate on success.
func (op Opcode) IsLifecycle() bool {
	t, _ := TransitionFor(op)
	return t.Kind == ChangeTo
}

// JobStatus is the status of a backend job operation.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusCanceling JobStatus = "canceling"
	JobStatusRunning   JobStatus = "running"
	JobStatusCanceled  JobStatus = "canceled"
	JobStatusSuccess   JobStatus = "success"
	JobStatusError     JobStatus = "error"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusWaiting, JobStatusCanceling, JobStatusRunning,
		JobStatusCanceled, JobStatusSuccess, JobStatusError:
		return true
	}
	return false
}

// Terminal reports whether the job will not change status again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCanceled || s == JobStatusSuccess || s == JobStatusError
}
