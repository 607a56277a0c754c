package memstore

import (
	"context"
	"sort"
	"time"

	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
	"gnt-shepherd.io/shepherd/internal/store"
)

type tx struct {
	s    *Store
	held map[string]chan struct{}

	vms     map[int64]*domain.VirtualMachine
	pools   map[int64][]byte
	ports   map[int64]*domain.Port
	volumes map[int64]*domain.Volume
	serials map[int64]*domain.CommissionSerial
	touched map[int64]bool
}

var _ store.Tx = (*tx)(nil)

func newTx(s *Store) *tx {
	return &tx{
		s:       s,
		held:    make(map[string]chan struct{}),
		vms:     make(map[int64]*domain.VirtualMachine),
		pools:   make(map[int64][]byte),
		ports:   make(map[int64]*domain.Port),
		volumes: make(map[int64]*domain.Volume),
		serials: make(map[int64]*domain.CommissionSerial),
		touched: make(map[int64]bool),
	}
}

func (t *tx) lock(ctx context.Context, key string) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	l, err := t.s.lockRow(ctx, key)
	if err != nil {
		return err
	}
	t.held[key] = l
	return nil
}

func (t *tx) release() {
	for key, l := range t.held {
		<-l
		delete(t.held, key)
	}
}

func (t *tx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	now := t.s.now()

	for id, vm := range t.vms {
		c := cloneVM(vm)
		if t.touched[id] {
			c.UpdatedAt = now
		}
		t.s.vms[id] = c
	}
	for id, pool := range t.pools {
		if n, ok := t.s.networks[id]; ok {
			n.Pool = append([]byte(nil), pool...)
		}
	}
	for id, p := range t.ports {
		c := *p
		t.s.ports[id] = &c
	}
	for id, v := range t.volumes {
		c := *v
		t.s.volumes[id] = &c
	}
	for serial, cs := range t.serials {
		t.s.serials[serial] = cloneSerial(cs)
	}
}

// VMs

func (t *tx) LockVM(ctx context.Context, id int64) (*domain.VirtualMachine, error) {
	if err := t.lock(ctx, vmKey(id)); err != nil {
		return nil, err
	}
	return t.GetVM(ctx, id)
}

func (t *tx) GetVM(ctx context.Context, id int64) (*domain.VirtualMachine, error) {
	if vm, ok := t.vms[id]; ok {
		return cloneVM(vm), nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	vm, ok := t.s.vms[id]
	if !ok {
		return nil, apperrors.ErrVMNotFoundf(id)
	}
	return cloneVM(vm), nil
}

func (t *tx) InsertVM(ctx context.Context, vm *domain.VirtualMachine) error {
	t.s.mu.Lock()
	t.s.nextVMID++
	vm.ID = t.s.nextVMID
	now := t.s.now()
	t.s.mu.Unlock()

	vm.CreatedAt = now
	vm.UpdatedAt = now
	t.vms[vm.ID] = cloneVM(vm)
	return t.lock(ctx, vmKey(vm.ID))
}

func (t *tx) UpdateVM(ctx context.Context, vm *domain.VirtualMachine) error {
	if _, err := t.GetVM(ctx, vm.ID); err != nil {
		return err
	}
	t.vms[vm.ID] = cloneVM(vm)
	t.touched[vm.ID] = true
	return nil
}

func (t *tx) ListStaleTasks(ctx context.Context, cutoff time.Time) ([]*domain.VirtualMachine, error) {
	t.s.mu.Lock()
	var out []*domain.VirtualMachine
	for id, vm := range t.s.vms {
		if staged, ok := t.vms[id]; ok {
			vm = staged
		}
		if vm.HasPendingTask() && vm.UpdatedAt.Before(cutoff) {
			out = append(out, cloneVM(vm))
		}
	}
	t.s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Catalog

func (t *tx) GetFlavor(ctx context.Context, id int64) (*domain.Flavor, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	f, ok := t.s.flavors[id]
	if !ok {
		return nil, notFound(apperrors.CodeFlavorNotFound, "flavor", id)
	}
	c := *f
	return &c, nil
}

func (t *tx) GetBackend(ctx context.Context, id int64) (*domain.Backend, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	b, ok := t.s.backends[id]
	if !ok {
		return nil, notFound(apperrors.CodeNotFound, "backend", id)
	}
	c := *b
	return &c, nil
}

func (t *tx) ListBackends(ctx context.Context) ([]*domain.Backend, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	out := make([]*domain.Backend, 0, len(t.s.backends))
	for _, b := range t.s.backends {
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) ProjectBackendIDs(ctx context.Context, project string) ([]int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return append([]int64(nil), t.s.projectGrants[project]...), nil
}

func (t *tx) FlavorAccessAllowed(ctx context.Context, project string, flavorID int64) (bool, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.flavorAccess[project][flavorID], nil
}

func (t *tx) ListRescueImages(ctx context.Context) ([]*domain.RescueImage, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []*domain.RescueImage
	for _, img := range t.s.rescueImages {
		if img.Deleted {
			continue
		}
		c := *img
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) GetRescueImage(ctx context.Context, id int64) (*domain.RescueImage, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	img, ok := t.s.rescueImages[id]
	if !ok {
		return nil, notFound(apperrors.CodeNotFound, "rescue image", id)
	}
	c := *img
	return &c, nil
}

func (t *tx) ListVolumes(ctx context.Context, vmID int64) ([]*domain.Volume, error) {
	t.s.mu.Lock()
	var out []*domain.Volume
	for id, v := range t.s.volumes {
		if staged, ok := t.volumes[id]; ok {
			v = staged
		}
		if v.VMID == vmID {
			c := *v
			out = append(out, &c)
		}
	}
	t.s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (t *tx) UpdateVolume(ctx context.Context, v *domain.Volume) error {
	c := *v
	t.volumes[v.ID] = &c
	return nil
}

// Networks

func (t *tx) LockNetwork(ctx context.Context, id int64) (*domain.Network, error) {
	if err := t.lock(ctx, networkKey(id)); err != nil {
		return nil, err
	}
	return t.GetNetwork(ctx, id)
}

func (t *tx) GetNetwork(ctx context.Context, id int64) (*domain.Network, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n, ok := t.s.networks[id]
	if !ok {
		return nil, notFound(apperrors.CodeNetworkNotFound, "network", id)
	}
	c := cloneNetwork(n)
	if pool, ok := t.pools[id]; ok {
		c.Pool = append([]byte(nil), pool...)
	}
	return c, nil
}

func (t *tx) UpdateNetworkPool(ctx context.Context, id int64, pool []byte) error {
	if _, err := t.GetNetwork(ctx, id); err != nil {
		return err
	}
	t.pools[id] = append([]byte(nil), pool...)
	return nil
}

func (t *tx) GetPort(ctx context.Context, id int64) (*domain.Port, error) {
	if p, ok := t.ports[id]; ok {
		c := *p
		return &c, nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	p, ok := t.s.ports[id]
	if !ok {
		return nil, notFound(apperrors.CodePortNotFound, "port", id)
	}
	c := *p
	return &c, nil
}

func (t *tx) ListPorts(ctx context.Context, vmID int64) ([]*domain.Port, error) {
	t.s.mu.Lock()
	var out []*domain.Port
	for id, p := range t.s.ports {
		if staged, ok := t.ports[id]; ok {
			p = staged
		}
		if p.VMID == vmID && !p.Deleted {
			c := *p
			out = append(out, &c)
		}
	}
	t.s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (t *tx) UpdatePort(ctx context.Context, p *domain.Port) error {
	if _, err := t.GetPort(ctx, p.ID); err != nil {
		return err
	}
	c := *p
	t.ports[p.ID] = &c
	return nil
}

// Serials

func (t *tx) GetSerial(ctx context.Context, serial int64) (*domain.CommissionSerial, error) {
	if cs, ok := t.serials[serial]; ok {
		return cloneSerial(cs), nil
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	cs, ok := t.s.serials[serial]
	if !ok {
		return nil, notFound(apperrors.CodeNotFound, "commission serial", serial)
	}
	return cloneSerial(cs), nil
}

func (t *tx) InsertSerial(ctx context.Context, cs *domain.CommissionSerial) error {
	if cs.CreatedAt.IsZero() {
		t.s.mu.Lock()
		cs.CreatedAt = t.s.now()
		t.s.mu.Unlock()
	}
	t.serials[cs.Serial] = cloneSerial(cs)
	return nil
}

func (t *tx) UpdateSerial(ctx context.Context, cs *domain.CommissionSerial) error {
	if _, err := t.GetSerial(ctx, cs.Serial); err != nil {
		return err
	}
	t.serials[cs.Serial] = cloneSerial(cs)
	return nil
}

func (t *tx) ListUnresolvedSerials(ctx context.Context, cutoff time.Time) ([]*domain.CommissionSerial, error) {
	t.s.mu.Lock()
	merged := make(map[int64]*domain.CommissionSerial, len(t.s.serials))
	for k, v := range t.s.serials {
		merged[k] = v
	}
	t.s.mu.Unlock()
	for k, v := range t.serials {
		merged[k] = v
	}

	var out []*domain.CommissionSerial
	for _, cs := range merged {
		if cs.Resolved {
			continue
		}
		if !cutoff.IsZero() && !cs.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, cloneSerial(cs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func vmKey(id int64) string      { return "vm:" + itoa(id) }
func networkKey(id int64) string { return "network:" + itoa(id) }
