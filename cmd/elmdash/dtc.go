package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Read stored and pending trouble codes",
	Args:  cobra.NoArgs,
	RunE:  runScan,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear stored trouble codes and the check-engine light",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(clearCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, done, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer done()

	cctx, ccancel := context.WithTimeout(ctx, timeout)
	defer ccancel()
	codes, err := client.DTCs(cctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(codes) == 0 {
		fmt.Fprintln(out, "No trouble codes")
		return nil
	}
	fmt.Fprintf(out, "%d trouble code(s):\n", len(codes))
	for _, c := range codes {
		fmt.Fprintf(out, "  %s\n", c)
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, done, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer done()

	cctx, ccancel := context.WithTimeout(ctx, timeout)
	defer ccancel()
	ok, err := client.ClearDTCs(cctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("adapter did not confirm the clear")
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Trouble codes cleared")
	return nil
}
