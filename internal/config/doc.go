// Package config loads the ChainPilot runtime configuration from a JSON file,
// applies CHAINPILOT_* environment overrides and fills defaults for the chain
// port, analysis, tool generation, workflow, cache, storage and queue layers.
package config
