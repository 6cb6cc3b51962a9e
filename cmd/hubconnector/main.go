package main

import (
	"fmt"
	"os"

	"github.com/fdm-monster/fdm-connector/internal/cli"

	"github.com/joho/godotenv"
)

func main() {
	// Environment variables override settings.yaml; a .env file is optional
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: failed to read .env: %v\n", err)
	}

	if err := cli.NewRootCommand().Execute(); err != nil {
		if !cli.Reported(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
