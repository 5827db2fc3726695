// Package config loads the RouteCodex configuration (YAML file plus
// environment overrides) into a CanonicalConfig and projects it into an
// immutable, versioned View that the routing core consumes.
package config
