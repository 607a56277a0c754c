// Package main is gntctl, the operator CLI of gnt-shepherd. It drives the
// same VM operations as the ops API directly against the database and the
// cluster, and exposes the commission and address pool maintenance tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalOptions struct {
	actor  string
	output string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "gntctl",
		Short:         "Operate gnt-shepherd VMs, commissions and address pools",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return validateOutput(opts.output)
		},
	}
	root.PersistentFlags().StringVar(&opts.actor, "actor", defaultActor(), "user recorded in the audit log")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", outputYAML, "output format: yaml or json")

	root.AddCommand(
		newVMCommand(opts),
		newCommissionCommand(opts),
		newPoolCommand(opts),
	)
	return root
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}
