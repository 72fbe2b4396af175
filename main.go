package main

import (
	"github.com/joho/godotenv"

	"github.com/he3lab/rampctl/cmd"
)

func main() {
	// Secrets like the chat token live in .env next to the binary, not in
	// the rig description. Missing file is fine.
	_ = godotenv.Load()
	cmd.Execute()
}
