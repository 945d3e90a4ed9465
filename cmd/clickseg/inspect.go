package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/getcharzp/go-clickseg/sam"
	"github.com/spf13/cobra"
)

func newInspectCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Load the configured models and print their input size",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			ctrl, cfg, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			size, err := ctrl.InputSize(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "variant:  %s\n", cfg.Variant)
			fmt.Fprintf(out, "encoder:  %s\n", cfg.EncodeModelPath)
			fmt.Fprintf(out, "decoder:  %s\n", cfg.DecodeModelPath)
			fmt.Fprintf(out, "device:   %s\n", cfg.Device)
			fmt.Fprintf(out, "input:    %dx%d\n", size.X, size.Y)
			return nil
		},
	}
}

func newVariantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variants",
		Short: "List supported model families and their tensor names",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printVariants(cmd.OutOrStdout())
		},
	}
}

func printVariants(w io.Writer) error {
	for _, v := range sam.Variants {
		names, err := v.Names()
		if err != nil {
			return err
		}
		input := "uint8"
		if names.FloatInput {
			input = "float32"
		}
		fmt.Fprintf(w, "%s\n", v)
		fmt.Fprintf(w, "  encoder: %s -> %s (%s)\n", strings.Join(names.EncoderInputs, ","), strings.Join(names.EncoderOutputs, ","), input)
		fmt.Fprintf(w, "  decoder: %s -> %s\n", strings.Join(names.DecoderInputs, ","), strings.Join(names.DecoderOutputs, ","))
		fmt.Fprintf(w, "  mask prior: %t\n", names.MaskPrior)
	}
	return nil
}
