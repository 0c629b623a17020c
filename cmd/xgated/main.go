// Command xgated runs the device gateway.
package main

import (
	"os"

	"github.com/trickstertwo/xgate/cmd/xgated/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
