// Command elmdash connects to an ELM327 OBD-II adapter and serves a live
// telemetry dashboard.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
