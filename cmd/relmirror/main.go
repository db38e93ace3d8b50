// Package main provides the release mirror CLI application.
// It integrates with YAML configuration and drives the download coordinator.
package main

import (
	"log"
	"os"

	_ "gocloud.dev/blob/fileblob"

	"github.com/clean-dependency-project/relmirror/internal/cli"
)

func main() {
	app := cli.NewApp()

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
