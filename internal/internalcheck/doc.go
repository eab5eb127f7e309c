// Package internalcheck holds source-level policy tests for the lcfips
// packages. It has no API.
package internalcheck
