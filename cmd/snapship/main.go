package main

import (
	"os"

	"github.com/tis24dev/snapship/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
