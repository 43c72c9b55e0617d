// Package main is the entry point for the storegate gateway.
package main

import (
	"os"

	"github.com/commercekit/storegate/cmd/storegate/app"
	"github.com/commercekit/storegate/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
