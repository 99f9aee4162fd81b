package main

import (
	"fmt"
	"os"

	"keyforge/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keyforge: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		application.Logger.Error("server exited with error", "error", err.Error())
		os.Exit(1)
	}
}
