// Package config loads the TaskPilot configuration from YAML or JSON files,
// fills defaults for every policy number and applies environment overrides.
package config
