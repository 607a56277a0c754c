package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/store"
)

type serialView struct {
	Serial     int64      `json:"serial" yaml:"serial"`
	VMID       int64      `json:"vm_id,omitempty" yaml:"vm_id,omitempty"`
	Name       string     `json:"name" yaml:"name"`
	State      string     `json:"state" yaml:"state"`
	CreatedAt  time.Time  `json:"created_at" yaml:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
}

// serialState is pending, accept or reject, with "(undelivered)" appended to
// a decision the quota holder has not confirmed yet.
func serialState(cs *domain.CommissionSerial) string {
	if cs.Pending {
		return "pending"
	}
	state := "reject"
	if cs.Accept {
		state = "accept"
	}
	if !cs.Resolved {
		state += " (undelivered)"
	}
	return state
}

func newSerialView(cs *domain.CommissionSerial) serialView {
	return serialView{
		Serial:     cs.Serial,
		VMID:       cs.VMID,
		Name:       cs.Name,
		State:      serialState(cs),
		CreatedAt:  cs.CreatedAt,
		ResolvedAt: cs.ResolvedAt,
	}
}

func parseDecision(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "accept":
		return true, nil
	case "reject":
		return false, nil
	}
	return false, fmt.Errorf("invalid decision %q, must be accept or reject", s)
}

func newCommissionCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "commission",
		Aliases: []string{"serial"},
		Short:   "Inspect and resolve quota commissions",
	}
	cmd.AddCommand(newCommissionListCommand(opts), newCommissionResolveCommand(opts))
	return cmd
}

func newCommissionListCommand(opts *globalOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved commissions",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			e, err := openEnv(c.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			var cutoff time.Time
			if olderThan > 0 {
				cutoff = time.Now().Add(-olderThan)
			}
			var serials []*domain.CommissionSerial
			err = e.store.WithinTx(c.Context(), func(ctx context.Context, tx store.Tx) error {
				serials, err = tx.ListUnresolvedSerials(ctx, cutoff)
				return err
			})
			if err != nil {
				return err
			}

			views := make([]serialView, 0, len(serials))
			for _, cs := range serials {
				views = append(views, newSerialView(cs))
			}
			return render(c.OutOrStdout(), opts.output, views)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only show commissions issued before this long ago")
	return cmd
}

func newCommissionResolveCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve SERIAL accept|reject",
		Short: "Accept or reject a commission by serial",
		Long: "Records the decision, delivers it to the quota holder and detaches " +
			"the serial from its VM once delivered. Deciding a serial the other way " +
			"than it was already decided fails.",
		Args: cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			serial, err := parseID("serial", args[0])
			if err != nil {
				return err
			}
			accept, err := parseDecision(args[1])
			if err != nil {
				return err
			}

			e, err := openEnv(c.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			var cs *domain.CommissionSerial
			err = e.store.WithinTx(c.Context(), func(ctx context.Context, tx store.Tx) error {
				cs, err = e.ledger.ResolveSerial(ctx, tx, serial, accept)
				return err
			})
			if err != nil {
				return err
			}
			_ = e.audit.LogCommission(c.Context(), serial, accept, opts.actor)
			return render(c.OutOrStdout(), opts.output, newSerialView(cs))
		},
	}
}
