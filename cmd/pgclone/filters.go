package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jfoltran/pgclone/internal/config"
)

// loadFilterManifest reads the --filters manifest (spec §6): a JSON document
// naming schemas/tables/indexes/extensions to include or exclude from the run.
func loadFilterManifest(path string) (config.FilterManifest, error) {
	var manifest config.FilterManifest

	data, err := os.ReadFile(path)
	if err != nil {
		return manifest, fmt.Errorf("read filter manifest: %w", err)
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("parse filter manifest %s: %w", path, err)
	}
	return manifest, nil
}
