// Package main is the entry point for the fabric server.
package main

import (
	"os"

	"github.com/datafabrix/fabric/cmd/fabric-server/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
