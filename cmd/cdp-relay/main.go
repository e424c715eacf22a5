package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	cli "github.com/cdprelay/relay/cmd/cdp-relay/cmd"
)

func main() {
	_ = godotenv.Load()

	if err := cli.SetupRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
