package main

import (
	"os"

	"github.com/bemasher/BodyBuggBypass/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(2)
	}
}
