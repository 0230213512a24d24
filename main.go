package main

import (
	"os"

	"github.com/BioHazard786/warpmesh/cmd"
	"github.com/BioHazard786/warpmesh/internal/logging"
)

func main() {
	logging.Init(os.Stderr)
	cmd.Execute()
}
