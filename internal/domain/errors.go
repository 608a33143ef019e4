package domain

import "errors"

// Sentinel errors for cross-layer error classification. Repositories and
// services wrap these so the API layer can map error categories to HTTP
// status codes without importing storage-specific packages.
//
//	return fmt.Errorf("allocation %q: %w", id, domain.ErrNotFound)
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict indicates a state or uniqueness conflict, such as an
	// allocation that is already bound to a server or a node that is
	// not accepting deployments.
	ErrConflict = errors.New("conflict")
)
