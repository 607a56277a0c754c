package main

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/ippool"
	"gnt-shepherd.io/shepherd/internal/store"
)

type poolView struct {
	NetworkID int64  `json:"network_id" yaml:"network_id"`
	Name      string `json:"name" yaml:"name"`
	Subnet    string `json:"subnet" yaml:"subnet"`
	Gateway   string `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Size      int    `json:"size" yaml:"size"`
	Available int    `json:"available" yaml:"available"`
	Address   string `json:"address,omitempty" yaml:"address,omitempty"`
	Free      *bool  `json:"free,omitempty" yaml:"free,omitempty"`
}

// describePool summarizes a network's pool. When address is valid the view
// also says whether it is free.
func describePool(n *domain.Network, address netip.Addr) (poolView, error) {
	if !n.HasPool() {
		return poolView{}, fmt.Errorf("network %d has no address pool", n.ID)
	}
	subnet, err := netip.ParsePrefix(n.Subnet)
	if err != nil {
		return poolView{}, fmt.Errorf("network %d subnet: %w", n.ID, err)
	}
	p, err := ippool.FromBytes(subnet, n.Pool)
	if err != nil {
		return poolView{}, err
	}

	v := poolView{
		NetworkID: n.ID,
		Name:      n.Name,
		Subnet:    p.Prefix().String(),
		Gateway:   n.Gateway,
		Size:      p.Size(),
		Available: p.Available(),
	}
	if address.IsValid() {
		free := p.IsAvailable(address)
		v.Address = address.String()
		v.Free = &free
	}
	return v, nil
}

func newPoolCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect network address pools",
	}

	var address string
	show := &cobra.Command{
		Use:   "show NETWORK_ID",
		Short: "Show pool usage of a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			id, err := parseID("network", args[0])
			if err != nil {
				return err
			}
			var addr netip.Addr
			if address != "" {
				if addr, err = netip.ParseAddr(address); err != nil {
					return fmt.Errorf("invalid address %q: %w", address, err)
				}
			}

			e, err := openEnv(c.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			var n *domain.Network
			err = e.store.WithinTx(c.Context(), func(ctx context.Context, tx store.Tx) error {
				n, err = tx.GetNetwork(ctx, id)
				return err
			})
			if err != nil {
				return err
			}
			v, err := describePool(n, addr)
			if err != nil {
				return err
			}
			return render(c.OutOrStdout(), opts.output, v)
		},
	}
	show.Flags().StringVar(&address, "address", "", "also report whether this address is free")
	cmd.AddCommand(show)
	return cmd
}
