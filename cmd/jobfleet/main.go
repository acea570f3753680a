// jobfleet submits batches of training jobs, lists them and aggregates their
// metrics from the command line.
package main

import (
	"os"

	"jobfleet/cmd/jobfleet/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
