package main

import (
	"os"

	"github.com/arturoeanton/barnstaff/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
