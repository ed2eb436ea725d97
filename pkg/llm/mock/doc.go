// Package mock provides deterministic test doubles for the generation and
// embedding collaborators.
package mock
