package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"closureimager/pkg/skyimage"
	"closureimager/pkg/uvdata"
)

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <store>",
		Short: "Summarise a measurement store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := uvdata.Open(args[0])
			if err != nil {
				return err
			}
			defer store.Close()

			obs, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n=== Measurement Store (%s) ===\n", args[0])
			fmt.Fprintf(out, "  Field:           %s  RA %.5f  Dec %.5f\n", obs.Source, obs.RA, obs.Dec)
			fmt.Fprintf(out, "  Frequency:       %.3f MHz\n", obs.Frequency/1e6)
			fmt.Fprintf(out, "  Visibilities:    %d over %d integrations, %d baselines\n",
				len(obs.Vis), len(obs.Times()), len(obs.Baselines()))
			mean, std := obs.WeightStats()
			fmt.Fprintf(out, "  Weights:         %.4g ± %.4g\n", mean, std)
			fmt.Fprintf(out, "  Antennas:\n")
			for i, name := range obs.Antennas {
				fmt.Fprintf(out, "    %2d  %s\n", i, name)
			}
			if beam, err := obs.FitBeam(); err == nil {
				fmt.Fprintf(out, "  Beam:            %.3f\" x %.3f\" PA %.1f\n",
					beam.Major*skyimage.ArcsecPerRad, beam.Minor*skyimage.ArcsecPerRad, beam.PA/skyimage.RadPerDeg)
			} else {
				fmt.Fprintf(out, "  Beam:            %v\n", err)
			}
			if res, err := obs.Resolution(); err == nil {
				fmt.Fprintf(out, "  Resolution:      %.3f\"\n", res*skyimage.ArcsecPerRad)
			}
			fmt.Fprintln(out, "==============================")
			return nil
		},
	}
}
