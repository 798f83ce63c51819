// Package graph holds the declarative node-graph model for journeys and
// broadcasts: a tagged union of typed nodes, a versioned definition
// envelope normalized at decode time, and structural validation.
//
// Definitions are validated before execution, not during it. The
// interpreter in internal/engine assumes a validated graph and treats any
// residual inconsistency (a dangling child id) as a data-authoring defect:
// it logs and substitutes the exit node rather than failing the run.
package graph
