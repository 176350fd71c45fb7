package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"closureimager/pkg/catalog"
)

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Query source catalogues",
	}

	var ra, dec, radius float64
	match := &cobra.Command{
		Use:   "match <file>",
		Short: "List catalogue sources near a position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Load(args[0])
			if err != nil {
				return err
			}
			sources := cat.Match(ra, dec, radius)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%d of %d source(s) within %.2f' of RA %.5f Dec %.5f\n",
				len(sources), cat.Len(), radius, ra, dec)
			for i, s := range sources {
				fmt.Fprintf(out, "  %3d  %s\n", i+1, s)
			}
			return nil
		},
	}
	match.Flags().Float64Var(&ra, "ra", 0, "right ascension in degrees")
	match.Flags().Float64Var(&dec, "dec", 0, "declination in degrees")
	match.Flags().Float64Var(&radius, "radius", 2, "search radius in arcmin")
	_ = match.MarkFlagRequired("ra")
	_ = match.MarkFlagRequired("dec")

	cmd.AddCommand(match)
	return cmd
}
