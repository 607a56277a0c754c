package pgstore

import (
	"context"
	"fmt"

	"gnt-shepherd.io/shepherd/internal/domain"
)

// Catalog upserts. Used by the seed command; every statement is idempotent.

// UpsertFlavor inserts or replaces a flavor.
func (s *Store) UpsertFlavor(ctx context.Context, f domain.Flavor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flavors (id, name, cpu, ram_mb, disk_gb, disk_template, public)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, cpu = EXCLUDED.cpu, ram_mb = EXCLUDED.ram_mb,
			disk_gb = EXCLUDED.disk_gb, disk_template = EXCLUDED.disk_template, public = EXCLUDED.public`,
		f.ID, f.Name, f.CPU, f.RAMMB, f.DiskGB, f.DiskTemplate, f.Public)
	if err != nil {
		return fmt.Errorf("upsert flavor %d: %w", f.ID, err)
	}
	return nil
}

// UpsertBackend inserts or replaces a backend.
func (s *Store) UpsertBackend(ctx context.Context, b domain.Backend) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO backends (id, cluster_name, public, offline, drained)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			cluster_name = EXCLUDED.cluster_name, public = EXCLUDED.public,
			offline = EXCLUDED.offline, drained = EXCLUDED.drained`,
		b.ID, b.ClusterName, b.Public, b.Offline, b.Drained)
	if err != nil {
		return fmt.Errorf("upsert backend %d: %w", b.ID, err)
	}
	return nil
}

// GrantBackend allows project to place VMs on a backend.
func (s *Store) GrantBackend(ctx context.Context, project string, backendID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO project_backends (project, backend_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, project, backendID)
	if err != nil {
		return fmt.Errorf("grant backend %d to %s: %w", backendID, project, err)
	}
	return nil
}

// GrantFlavor allows project to use a non-public flavor.
func (s *Store) GrantFlavor(ctx context.Context, project string, flavorID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flavor_access (project, flavor_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, project, flavorID)
	if err != nil {
		return fmt.Errorf("grant flavor %d to %s: %w", flavorID, project, err)
	}
	return nil
}

// UpsertNetwork inserts a network. An existing pool is never overwritten
// so that reseeding does not forget allocated addresses.
func (s *Store) UpsertNetwork(ctx context.Context, n domain.Network) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO networks (id, name, backend_name, subnet, gateway, pool)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, backend_name = EXCLUDED.backend_name,
			pool = COALESCE(networks.pool, EXCLUDED.pool)`,
		n.ID, n.Name, n.BackendName, n.Subnet, n.Gateway, n.Pool)
	if err != nil {
		return fmt.Errorf("upsert network %d: %w", n.ID, err)
	}
	return nil
}

// UpsertPort inserts a detached port or leaves an existing one untouched.
func (s *Store) UpsertPort(ctx context.Context, p domain.Port) error {
	state := p.State
	if state == "" {
		state = domain.PortDown
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ports (id, vm_id, network_id, address, state, idx, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, nullID(p.VMID), p.NetworkID, p.Address, state, p.Index)
	if err != nil {
		return fmt.Errorf("upsert port %d: %w", p.ID, err)
	}
	return nil
}

// UpsertRescueImage inserts or replaces a rescue image.
func (s *Store) UpsertRescueImage(ctx context.Context, img domain.RescueImage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rescue_images (id, name, location, os_family, os, is_default, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, location = EXCLUDED.location, os_family = EXCLUDED.os_family,
			os = EXCLUDED.os, is_default = EXCLUDED.is_default, deleted = EXCLUDED.deleted`,
		img.ID, img.Name, img.Location, img.OSFamily, img.OS, img.IsDefault, img.Deleted)
	if err != nil {
		return fmt.Errorf("upsert rescue image %d: %w", img.ID, err)
	}
	return nil
}
