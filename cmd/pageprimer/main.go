package main

import (
	"fmt"
	"os"

	"pageprimer/cmd/pageprimer/commands"
)

// 构建时通过 ldflags 注入
var version = "dev"

func main() {
	commands.Version = version
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
