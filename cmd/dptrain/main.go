package main

import (
	"os"

	"github.com/tsawler/go-dptrain/cmd/dptrain/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
