package domain

import "time"

// Flavor is a cpu/ram/disk triple a VM is sized by.
type Flavor struct {
	ID           int64
	Name         string
	CPU          int
	RAMMB        int
	DiskGB       int
	DiskTemplate string
	Public       bool
}

// Backend is one Ganeti cluster.
type Backend struct {
	ID          int64
	ClusterName string
	Public      bool
	Offline     bool
	Drained     bool
}

// Usable reports whether new VMs may be placed on the backend.
func (b *Backend) Usable() bool {
	return !b.Offline && !b.Drained
}

// Network is a virtual network VMs attach ports to.
type Network struct {
	ID          int64
	Name        string
	BackendName string
	Subnet      string
	Gateway     string
	// Pool is the serialized address bitmap, empty when the network has no pool.
	Pool []byte
}

// HasPool reports whether addresses on this network are handed out from a pool.
func (n *Network) HasPool() bool {
	return len(n.Pool) > 0
}

// PortState is the lifecycle state of a port.
type PortState string

const (
	PortBuild  PortState = "BUILD"
	PortActive PortState = "ACTIVE"
	PortDown   PortState = "DOWN"
	PortError  PortState = "ERROR"
)

// Port connects a VM to a network.
type Port struct {
	ID        int64
	VMID      int64
	NetworkID int64
	Address   string
	State     PortState
	Index     int
	Deleted   bool
}

// Volume is a disk owned by a VM.
type Volume struct {
	ID              int64
	VMID            int64
	Index           int
	Project         string
	SharedToProject bool
}

// RescueImage is a bootable image used to rescue a VM.
type RescueImage struct {
	ID        int64
	Name      string
	Location  string
	OSFamily  string
	OS        string
	IsDefault bool
	Deleted   bool
}

// AuditLog is an append-only record of an operation.
type AuditLog struct {
	ID           string
	Action       string
	ResourceType string
	ResourceID   string
	Actor        string
	Details      map[string]interface{}
	CreatedAt    time.Time
}
