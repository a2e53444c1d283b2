package main

import (
	"os"

	"github.com/mdalboni/reportportal-manager/cmd/rpmanager/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
