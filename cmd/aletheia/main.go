package main

import (
	"os"

	"github.com/becomeliminal/aletheia/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
