// Package memstore is an in-memory store.Store used by tests and dry runs.
//
// Row locks behave like SELECT ... FOR UPDATE: a second transaction that
// locks the same row blocks until the first one ends. Writes are staged in
// the transaction and applied on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/store"
)

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
	now   func() time.Time

	nextVMID int64

	vms           map[int64]*domain.VirtualMachine
	flavors       map[int64]*domain.Flavor
	backends      map[int64]*domain.Backend
	projectGrants map[string][]int64
	flavorAccess  map[string]map[int64]bool
	networks      map[int64]*domain.Network
	ports         map[int64]*domain.Port
	volumes       map[int64]*domain.Volume
	rescueImages  map[int64]*domain.RescueImage
	serials       map[int64]*domain.CommissionSerial
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		locks:         make(map[string]chan struct{}),
		now:           time.Now,
		vms:           make(map[int64]*domain.VirtualMachine),
		flavors:       make(map[int64]*domain.Flavor),
		backends:      make(map[int64]*domain.Backend),
		projectGrants: make(map[string][]int64),
		flavorAccess:  make(map[string]map[int64]bool),
		networks:      make(map[int64]*domain.Network),
		ports:         make(map[int64]*domain.Port),
		volumes:       make(map[int64]*domain.Volume),
		rescueImages:  make(map[int64]*domain.RescueImage),
		serials:       make(map[int64]*domain.CommissionSerial),
	}
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// WithinTx implements store.Store.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx := newTx(s)
	defer tx.release()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	tx.commit()
	return nil
}

func (s *Store) lockRow(ctx context.Context, key string) (chan struct{}, error) {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[key] = l
	}
	s.mu.Unlock()

	select {
	case l <- struct{}{}:
		return l, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Seeding helpers. They write committed state directly.

// AddFlavor stores a flavor.
func (s *Store) AddFlavor(f domain.Flavor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flavors[f.ID] = &f
}

// AddBackend stores a backend.
func (s *Store) AddBackend(b domain.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends[b.ID] = &b
}

// GrantBackend allows project to use backendID.
func (s *Store) GrantBackend(project string, backendID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectGrants[project] = append(s.projectGrants[project], backendID)
}

// GrantFlavor allows project to use a non-public flavor.
func (s *Store) GrantFlavor(project string, flavorID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flavorAccess[project] == nil {
		s.flavorAccess[project] = make(map[int64]bool)
	}
	s.flavorAccess[project][flavorID] = true
}

// AddNetwork stores a network.
func (s *Store) AddNetwork(n domain.Network) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.networks[n.ID] = cloneNetwork(&n)
}

// AddPort stores a port.
func (s *Store) AddPort(p domain.Port) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[p.ID] = &p
}

// AddVolume stores a volume.
func (s *Store) AddVolume(v domain.Volume) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes[v.ID] = &v
}

// AddRescueImage stores a rescue image.
func (s *Store) AddRescueImage(img domain.RescueImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rescueImages[img.ID] = &img
}

// PutVM stores a VM as-is. A zero ID is assigned.
func (s *Store) PutVM(vm domain.VirtualMachine) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if vm.ID == 0 {
		s.nextVMID++
		vm.ID = s.nextVMID
	} else if vm.ID > s.nextVMID {
		s.nextVMID = vm.ID
	}
	if vm.CreatedAt.IsZero() {
		vm.CreatedAt = s.now()
	}
	if vm.UpdatedAt.IsZero() {
		vm.UpdatedAt = vm.CreatedAt
	}
	s.vms[vm.ID] = cloneVM(&vm)
	return vm.ID
}

// PutSerial stores a serial row as-is.
func (s *Store) PutSerial(cs domain.CommissionSerial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serials[cs.Serial] = cloneSerial(&cs)
}

// Snapshot accessors read committed state outside any transaction.

// VM returns a copy of the committed VM row.
func (s *Store) VM(id int64) (domain.VirtualMachine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return domain.VirtualMachine{}, false
	}
	return *cloneVM(vm), true
}

// Serial returns a copy of the committed serial row.
func (s *Store) Serial(serial int64) (domain.CommissionSerial, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.serials[serial]
	if !ok {
		return domain.CommissionSerial{}, false
	}
	return *cloneSerial(cs), true
}

// Port returns a copy of the committed port row.
func (s *Store) Port(id int64) (domain.Port, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ports[id]
	if !ok {
		return domain.Port{}, false
	}
	return *p, true
}

// Network returns a copy of the committed network row.
func (s *Store) Network(id int64) (domain.Network, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.networks[id]
	if !ok {
		return domain.Network{}, false
	}
	return *cloneNetwork(n), true
}

// Volumes returns copies of the committed volumes of a VM, ordered by index.
func (s *Store) Volumes(vmID int64) []domain.Volume {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Volume
	for _, v := range s.volumes {
		if v.VMID == vmID {
			out = append(out, *v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func notFound(code, what string, id int64) error {
	return apperrors.NotFound(code, fmt.Sprintf("%s %d not found", what, id))
}

func cloneVM(vm *domain.VirtualMachine) *domain.VirtualMachine {
	c := *vm
	if vm.PendingNIC != nil {
		nic := *vm.PendingNIC
		c.PendingNIC = &nic
	}
	return &c
}

func cloneNetwork(n *domain.Network) *domain.Network {
	c := *n
	if n.Pool != nil {
		c.Pool = append([]byte(nil), n.Pool...)
	}
	return &c
}

func cloneSerial(cs *domain.CommissionSerial) *domain.CommissionSerial {
	c := *cs
	if cs.ResolvedAt != nil {
		t := *cs.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }
