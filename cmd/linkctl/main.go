// linkctl - employee directory and deep-link administration for linkgate
package main

import (
	"fmt"
	"os"

	"github.com/ashureev/linkgate/internal/config"
	"github.com/joho/godotenv"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	app := newCLIApp(newRepoOpener(config.DBPath()))
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
