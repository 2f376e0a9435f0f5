package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gofhir/conformance"
)

func (a *app) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(a.out, "fhirdemo %s (FHIR %s, %s)\n", conformance.Version, conformance.R4.Release(), conformance.R4.CorePackage())
		},
	}
}
