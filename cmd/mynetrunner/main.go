package main

import (
	"os"

	"github.com/alejandro-garf/MyNetRunner-sub000/cmd/mynetrunner/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
