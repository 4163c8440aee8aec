// Package country defines the shared domain types and collaborator interfaces
// used by the fetch, cache and streaming components.
package country
