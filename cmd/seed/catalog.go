package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"gopkg.in/yaml.v3"

	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/ippool"
)

// Catalog is the seed file layout.
type Catalog struct {
	Flavors      []FlavorSpec      `yaml:"flavors"`
	Backends     []BackendSpec     `yaml:"backends"`
	Projects     []ProjectSpec     `yaml:"projects"`
	Networks     []NetworkSpec     `yaml:"networks"`
	RescueImages []RescueImageSpec `yaml:"rescue_images"`
}

type FlavorSpec struct {
	ID           int64  `yaml:"id"`
	Name         string `yaml:"name"`
	CPU          int    `yaml:"cpu"`
	RAMMB        int    `yaml:"ram_mb"`
	DiskGB       int    `yaml:"disk_gb"`
	DiskTemplate string `yaml:"disk_template"`
	Public       bool   `yaml:"public"`
}

type BackendSpec struct {
	ID          int64  `yaml:"id"`
	ClusterName string `yaml:"cluster_name"`
	Public      bool   `yaml:"public"`
	Offline     bool   `yaml:"offline"`
	Drained     bool   `yaml:"drained"`
}

// ProjectSpec grants a project backends and private flavors and sets its quota.
type ProjectSpec struct {
	Name     string           `yaml:"name"`
	Backends []int64          `yaml:"backends"`
	Flavors  []int64          `yaml:"flavors"`
	Quota    map[string]int64 `yaml:"quota"`
}

type NetworkSpec struct {
	ID          int64  `yaml:"id"`
	Name        string `yaml:"name"`
	BackendName string `yaml:"backend_name"`
	Subnet      string `yaml:"subnet"`
	Gateway     string `yaml:"gateway"`
	// Pool builds an address pool over Subnet.
	Pool  bool    `yaml:"pool"`
	Ports []int64 `yaml:"ports"`
}

type RescueImageSpec struct {
	ID        int64  `yaml:"id"`
	Name      string `yaml:"name"`
	Location  string `yaml:"location"`
	OSFamily  string `yaml:"os_family"`
	OS        string `yaml:"os"`
	IsDefault bool   `yaml:"is_default"`
}

// ParseCatalog decodes and validates a seed file. Unknown keys are rejected.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return &c, nil
		}
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// ParseCatalogBytes is ParseCatalog over an in-memory document.
func ParseCatalogBytes(data []byte) (*Catalog, error) {
	return ParseCatalog(bytes.NewReader(data))
}

// Validate checks ids and cross references.
func (c *Catalog) Validate() error {
	flavors := make(map[int64]bool, len(c.Flavors))
	for _, f := range c.Flavors {
		if f.ID <= 0 || f.Name == "" {
			return fmt.Errorf("flavor %d: id and name are required", f.ID)
		}
		if f.CPU <= 0 || f.RAMMB <= 0 || f.DiskGB <= 0 {
			return fmt.Errorf("flavor %d: cpu, ram_mb and disk_gb must be positive", f.ID)
		}
		if flavors[f.ID] {
			return fmt.Errorf("flavor %d: duplicate id", f.ID)
		}
		flavors[f.ID] = true
	}

	backends := make(map[int64]bool, len(c.Backends))
	for _, b := range c.Backends {
		if b.ID <= 0 || b.ClusterName == "" {
			return fmt.Errorf("backend %d: id and cluster_name are required", b.ID)
		}
		if backends[b.ID] {
			return fmt.Errorf("backend %d: duplicate id", b.ID)
		}
		backends[b.ID] = true
	}

	for _, p := range c.Projects {
		if p.Name == "" {
			return errors.New("project: name is required")
		}
		for _, id := range p.Backends {
			if !backends[id] {
				return fmt.Errorf("project %s: unknown backend %d", p.Name, id)
			}
		}
		for _, id := range p.Flavors {
			if !flavors[id] {
				return fmt.Errorf("project %s: unknown flavor %d", p.Name, id)
			}
		}
		for resource, limit := range p.Quota {
			if limit < 0 {
				return fmt.Errorf("project %s: quota %s must not be negative", p.Name, resource)
			}
		}
	}

	networks := make(map[int64]bool, len(c.Networks))
	ports := make(map[int64]bool)
	for _, n := range c.Networks {
		if n.ID <= 0 || n.Name == "" {
			return fmt.Errorf("network %d: id and name are required", n.ID)
		}
		if networks[n.ID] {
			return fmt.Errorf("network %d: duplicate id", n.ID)
		}
		networks[n.ID] = true
		if _, err := n.buildPool(); err != nil {
			return fmt.Errorf("network %d: %w", n.ID, err)
		}
		for _, id := range n.Ports {
			if id <= 0 || ports[id] {
				return fmt.Errorf("network %d: invalid or duplicate port %d", n.ID, id)
			}
			ports[id] = true
		}
	}

	for _, img := range c.RescueImages {
		if img.ID <= 0 || img.Location == "" {
			return fmt.Errorf("rescue image %d: id and location are required", img.ID)
		}
	}
	return nil
}

// buildPool returns the initial pool bitmap, nil when the network has none.
func (n NetworkSpec) buildPool() ([]byte, error) {
	if !n.Pool {
		return nil, nil
	}
	subnet, err := netip.ParsePrefix(n.Subnet)
	if err != nil {
		return nil, fmt.Errorf("subnet: %w", err)
	}
	var gateway netip.Addr
	if n.Gateway != "" {
		if gateway, err = netip.ParseAddr(n.Gateway); err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		if !subnet.Contains(gateway) {
			return nil, fmt.Errorf("gateway %s is outside %s", gateway, subnet)
		}
	}
	p, err := ippool.New(subnet, gateway)
	if err != nil {
		return nil, err
	}
	return p.Bytes(), nil
}

func (f FlavorSpec) toDomain() domain.Flavor {
	return domain.Flavor{
		ID:           f.ID,
		Name:         f.Name,
		CPU:          f.CPU,
		RAMMB:        f.RAMMB,
		DiskGB:       f.DiskGB,
		DiskTemplate: f.DiskTemplate,
		Public:       f.Public,
	}
}

func (b BackendSpec) toDomain() domain.Backend {
	return domain.Backend{
		ID:          b.ID,
		ClusterName: b.ClusterName,
		Public:      b.Public,
		Offline:     b.Offline,
		Drained:     b.Drained,
	}
}

func (img RescueImageSpec) toDomain() domain.RescueImage {
	return domain.RescueImage{
		ID:        img.ID,
		Name:      img.Name,
		Location:  img.Location,
		OSFamily:  img.OSFamily,
		OS:        img.OS,
		IsDefault: img.IsDefault,
	}
}
