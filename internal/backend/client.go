// Package backend talks to the Ganeti cluster. Every call submits a job
// and returns its id; the outcome arrives later as job notifications.
package backend

import (
	"context"
	"errors"
	"fmt"

	apperrors "gnt-shepherd.io/shepherd/internal/pkg/errors"
)

// RebootType selects how an instance is rebooted.
type RebootType string

const (
	RebootSoft RebootType = "SOFT"
	RebootHard RebootType = "HARD"
)

// Valid reports whether t is a supported reboot type.
func (t RebootType) Valid() bool {
	return t == RebootSoft || t == RebootHard
}

// Disk describes one instance disk.
type Disk struct {
	SizeMB int    `json:"size"`
	Name   string `json:"name,omitempty"`
}

// NIC describes one instance NIC.
type NIC struct {
	Network string `json:"network,omitempty"`
	IP      string `json:"ip,omitempty"`
	Name    string `json:"name,omitempty"`
}

// CreateRequest is the body of an instance creation.
type CreateRequest struct {
	Name         string                 `json:"instance_name"`
	DiskTemplate string                 `json:"disk_template"`
	OS           string                 `json:"os_type"`
	Disks        []Disk                 `json:"disks"`
	NICs         []NIC                  `json:"nics"`
	BEParams     map[string]interface{} `json:"beparams,omitempty"`
	HVParams     map[string]interface{} `json:"hvparams,omitempty"`
	OSParams     map[string]interface{} `json:"osparams,omitempty"`
	Tags         []string               `json:"tags,omitempty"`
}

// ModifyRequest is the body of an instance modification. NICs entries are
// [action, index, params] triples.
type ModifyRequest struct {
	NICs     [][]interface{}        `json:"nics,omitempty"`
	BEParams map[string]interface{} `json:"beparams,omitempty"`
	HVParams map[string]interface{} `json:"hvparams,omitempty"`
	Hotplug  bool                   `json:"hotplug,omitempty"`
}

// AddNIC builds an attach entry for ModifyRequest.NICs. An empty ip lets
// the cluster choose.
func AddNIC(network, ip string) []interface{} {
	params := map[string]interface{}{"network": network, "ip": nil}
	if ip != "" {
		params["ip"] = ip
	}
	return []interface{}{"add", "-1", params}
}

// RemoveNIC builds a detach entry for ModifyRequest.NICs.
func RemoveNIC(index int) []interface{} {
	return []interface{}{"remove", fmt.Sprintf("%d", index), map[string]interface{}{}}
}

// Client submits jobs to the cluster.
type Client interface {
	CreateInstance(ctx context.Context, req CreateRequest) (int64, error)
	StartupInstance(ctx context.Context, instance string) (int64, error)
	ShutdownInstance(ctx context.Context, instance string) (int64, error)
	RebootInstance(ctx context.Context, instance string, rebootType RebootType) (int64, error)
	DeleteInstance(ctx context.Context, instance string) (int64, error)
	ModifyInstance(ctx context.Context, instance string, req ModifyRequest) (int64, error)
}

// StatusError is a non-2xx RAPI response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rapi returned %d: %s", e.StatusCode, e.Body)
}

// AsAppError converts a client error into the backend error kinds. A
// timeout means the job may or may not have been submitted.
func AsAppError(opcode string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apperrors.ErrTimeout) {
		return apperrors.BackendTimeout(opcode, err)
	}
	return apperrors.Backend(opcode, err)
}
