// Command lumenflow is the CLI front-end over the lifecycle, completion,
// and dependency-graph packages.
package main

import (
	"os"

	"github.com/hellmai/lumenflow/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
