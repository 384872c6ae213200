// Package main provides dwh, the driver of the song-play warehouse.
//
// dwh provisions the staging and dimensional schema, loads the raw event and song
// sources, cleanses the staged events and derives the dimensions and the fact table.
package main

import (
	"os"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "dwh"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
