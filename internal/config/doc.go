// Package config defines configuration structures for dlengine.
//
// Configuration can be provided via:
//   - Overrides such as command-line flags, applied with Merge
//   - Environment variables (DLENGINE_ prefix), applied with LoadFromEnv
//   - YAML configuration file, loaded over the defaults with LoadFromFile
//
// LoadFromEnv overlays onto the Config it is called on; cmd/dlengine calls
// it after LoadFromFile, so environment variables override the file, which
// overrides the built-in defaults.
package config
