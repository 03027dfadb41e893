// Package config loads the JSON configuration consumed by the aurorad
// entrypoint and fills in defaults for a single-node in-memory deployment.
package config
