// Package store defines the persistence boundary of the control plane.
//
// All reads and writes happen inside a transaction obtained from
// Store.WithinTx. Lock* methods take a row lock held until the
// transaction ends; Get* methods do not lock. Missing rows are reported
// as KindNotFound application errors.
package store

import (
	"context"
	"time"

	"gnt-shepherd.io/shepherd/internal/domain"
)

// Store opens transactions.
type Store interface {
	// WithinTx runs fn in a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of operations available inside a transaction.
type Tx interface {
	VMs
	Catalog
	Networks
	Serials
}

// VMs reads and writes virtual machine rows.
type VMs interface {
	LockVM(ctx context.Context, id int64) (*domain.VirtualMachine, error)
	GetVM(ctx context.Context, id int64) (*domain.VirtualMachine, error)
	// InsertVM assigns vm.ID and the timestamps.
	InsertVM(ctx context.Context, vm *domain.VirtualMachine) error
	// UpdateVM writes every mutable column and bumps UpdatedAt.
	UpdateVM(ctx context.Context, vm *domain.VirtualMachine) error
	// ListStaleTasks returns VMs whose task was last touched before cutoff.
	ListStaleTasks(ctx context.Context, cutoff time.Time) ([]*domain.VirtualMachine, error)
}

// Catalog reads flavors, backends, rescue images and volumes.
type Catalog interface {
	GetFlavor(ctx context.Context, id int64) (*domain.Flavor, error)
	GetBackend(ctx context.Context, id int64) (*domain.Backend, error)
	ListBackends(ctx context.Context) ([]*domain.Backend, error)
	// ProjectBackendIDs lists the backends granted to project.
	ProjectBackendIDs(ctx context.Context, project string) ([]int64, error)
	FlavorAccessAllowed(ctx context.Context, project string, flavorID int64) (bool, error)
	// ListRescueImages returns images that are not deleted.
	ListRescueImages(ctx context.Context) ([]*domain.RescueImage, error)
	GetRescueImage(ctx context.Context, id int64) (*domain.RescueImage, error)
	ListVolumes(ctx context.Context, vmID int64) ([]*domain.Volume, error)
	UpdateVolume(ctx context.Context, v *domain.Volume) error
}

// Networks reads networks and ports and persists address pools.
type Networks interface {
	LockNetwork(ctx context.Context, id int64) (*domain.Network, error)
	GetNetwork(ctx context.Context, id int64) (*domain.Network, error)
	UpdateNetworkPool(ctx context.Context, id int64, pool []byte) error
	GetPort(ctx context.Context, id int64) (*domain.Port, error)
	// ListPorts returns the live ports of a VM ordered by index.
	ListPorts(ctx context.Context, vmID int64) ([]*domain.Port, error)
	UpdatePort(ctx context.Context, p *domain.Port) error
}

// Serials reads and writes commission serial rows.
type Serials interface {
	GetSerial(ctx context.Context, serial int64) (*domain.CommissionSerial, error)
	InsertSerial(ctx context.Context, s *domain.CommissionSerial) error
	UpdateSerial(ctx context.Context, s *domain.CommissionSerial) error
	// ListUnresolvedSerials returns unresolved serials created before cutoff.
	// A zero cutoff returns all of them.
	ListUnresolvedSerials(ctx context.Context, cutoff time.Time) ([]*domain.CommissionSerial, error)
}
