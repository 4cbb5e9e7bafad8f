package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/shaunagostinho/elm-dash/internal/elm"
	"github.com/shaunagostinho/elm-dash/internal/obd"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query <command>...",
	Short: "Send raw commands and print the replies",
	Long: `Send each argument to the adapter in order and print its reply.

Arguments that name a channel (rpm, speed, coolant, ...) or a known PID
command are also decoded to a physical value.`,
	Example: `  elmdash query ATRV 010C speed`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	client, done, err := openClient(ctx)
	if err != nil {
		return err
	}
	defer done()

	out := cmd.OutOrStdout()
	for _, arg := range args {
		command := strings.ToUpper(arg)
		pid, known := obd.Lookup(arg)
		if known {
			command = pid.Command
		}

		cctx, ccancel := context.WithTimeout(ctx, timeout)
		resp, err := client.Send(cctx, command, elm.Low)
		ccancel()
		if err != nil {
			return fmt.Errorf("%s: %w", command, err)
		}

		if resp == "" {
			resp = "(no reply)"
		}
		if known {
			fmt.Fprintf(out, "%-6s %-20s %g %s\n", command, resp, pid.Decode(resp), pid.Unit)
		} else {
			fmt.Fprintf(out, "%-6s %s\n", command, resp)
		}
	}
	return nil
}
