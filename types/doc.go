// Package types defines the shared data model of the RouteCodex core:
// the closed error envelope with its series/kind classification, and the
// protocol-agnostic chat envelope exchanged between pipeline stages.
package types
