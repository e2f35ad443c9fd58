// Command metamaprunner drives the parallel batch execution engine
// from the command line: process, resume, status, retry, and server.
package main

import (
	"os"

	"github.com/editnori/metamaprunner/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
