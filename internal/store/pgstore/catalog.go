package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"gnt-shepherd.io/shepherd/internal/domain"
	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
)

func (t *tx) GetFlavor(ctx context.Context, id int64) (*domain.Flavor, error) {
	var f domain.Flavor
	err := t.tx.QueryRow(ctx, `
		SELECT id, name, cpu, ram_mb, disk_gb, disk_template, public
		FROM flavors WHERE id = $1`, id).
		Scan(&f.ID, &f.Name, &f.CPU, &f.RAMMB, &f.DiskGB, &f.DiskTemplate, &f.Public)
	if isNoRows(err) {
		return nil, apperrors.NotFound(apperrors.CodeFlavorNotFound, fmt.Sprintf("flavor %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("load flavor %d: %w", id, err)
	}
	return &f, nil
}

const backendColumns = `id, cluster_name, public, offline, drained`

func scanBackend(row pgx.Row) (*domain.Backend, error) {
	var b domain.Backend
	if err := row.Scan(&b.ID, &b.ClusterName, &b.Public, &b.Offline, &b.Drained); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *tx) GetBackend(ctx context.Context, id int64) (*domain.Backend, error) {
	b, err := scanBackend(t.tx.QueryRow(ctx, `SELECT `+backendColumns+` FROM backends WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, apperrors.NotFound(apperrors.CodeNotFound, fmt.Sprintf("backend %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("load backend %d: %w", id, err)
	}
	return b, nil
}

func (t *tx) ListBackends(ctx context.Context) ([]*domain.Backend, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+backendColumns+` FROM backends ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list backends: %w", err)
	}
	defer rows.Close()

	var out []*domain.Backend
	for rows.Next() {
		b, err := scanBackend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backend: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *tx) ProjectBackendIDs(ctx context.Context, project string) ([]int64, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT backend_id FROM project_backends WHERE project = $1 ORDER BY backend_id`, project)
	if err != nil {
		return nil, fmt.Errorf("list backends of project %s: %w", project, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan backends of project %s: %w", project, err)
	}
	return ids, nil
}

func (t *tx) FlavorAccessAllowed(ctx context.Context, project string, flavorID int64) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM flavor_access WHERE project = $1 AND flavor_id = $2)`,
		project, flavorID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check flavor access: %w", err)
	}
	return ok, nil
}

const rescueImageColumns = `id, name, location, os_family, os, is_default, deleted`

func scanRescueImage(row pgx.Row) (*domain.RescueImage, error) {
	var img domain.RescueImage
	err := row.Scan(&img.ID, &img.Name, &img.Location, &img.OSFamily, &img.OS, &img.IsDefault, &img.Deleted)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (t *tx) ListRescueImages(ctx context.Context) ([]*domain.RescueImage, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+rescueImageColumns+` FROM rescue_images WHERE NOT deleted ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rescue images: %w", err)
	}
	defer rows.Close()

	var out []*domain.RescueImage
	for rows.Next() {
		img, err := scanRescueImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rescue image: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (t *tx) GetRescueImage(ctx context.Context, id int64) (*domain.RescueImage, error) {
	img, err := scanRescueImage(t.tx.QueryRow(ctx,
		`SELECT `+rescueImageColumns+` FROM rescue_images WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, apperrors.NotFound(apperrors.CodeNotFound, fmt.Sprintf("rescue image %d not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("load rescue image %d: %w", id, err)
	}
	return img, nil
}

func (t *tx) ListVolumes(ctx context.Context, vmID int64) ([]*domain.Volume, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, vm_id, idx, project, shared_to_project
		FROM volumes WHERE vm_id = $1 ORDER BY idx`, vmID)
	if err != nil {
		return nil, fmt.Errorf("list volumes of vm %d: %w", vmID, err)
	}
	defer rows.Close()

	var out []*domain.Volume
	for rows.Next() {
		var v domain.Volume
		if err := rows.Scan(&v.ID, &v.VMID, &v.Index, &v.Project, &v.SharedToProject); err != nil {
			return nil, fmt.Errorf("scan volume: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (t *tx) UpdateVolume(ctx context.Context, v *domain.Volume) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE volumes SET project = $2, shared_to_project = $3 WHERE id = $1`,
		v.ID, v.Project, v.SharedToProject)
	if err != nil {
		return fmt.Errorf("update volume %d: %w", v.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound(apperrors.CodeNotFound, fmt.Sprintf("volume %d not found", v.ID))
	}
	return nil
}
