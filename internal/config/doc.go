// Package config loads the OpenMCP-Swarm runtime configuration from a YAML or
// JSON file, overlays OPENMCP_* environment variables, fills defaults and
// validates the result before any component is constructed.
package config
