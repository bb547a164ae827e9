// Package core holds the domain types and errors shared by every stage of
// the REDCap extraction pipeline. It has no I/O of its own and can be used by
// the orchestrator, the HTTP layer, CLI commands and tests alike.
//
// # Pipeline
//
// A run moves each selected (project, instrument) pair through the same
// stages, one [LoadUnit] per pair:
//
//  1. Export: the REDCap client returns a [RawRecordSet] for a [TimeWindow]
//  2. Archive: the raw bytes are written to the export archive
//  3. Transform: rows become [CleanRecord] values or a [RejectedRecord] each,
//     driven by the instrument's [MappingSet]
//  4. Reconcile: clean records are compared with the [PriorState] into a
//     [LoadPlan] of insert, upsert and stale operations
//  5. Load: the plan is applied to the warehouse and committed to state
//
// A [JobRun] aggregates its units into an [Outcome].
//
// # Metadata
//
// Each project's data dictionary is captured as a versioned [Snapshot].
// Comparing two snapshots yields a [DiffReport]; a change that breaks a
// mapping holds the instrument with [IncompatibleSchemaChange].
//
// # Error Handling
//
// [Classify] decides whether a unit may be retried. Technical errors are
// mapped to operator-facing messages using [MapError]. Each error category
// has a unique code for support reference:
//
//   - API001-API003: REDCap API errors (transient, credentials, rejected)
//   - SCH001, MAP001-MAP002: Schema drift and mapping errors
//   - STO001: Export archive not writable
//   - DB001-DB003: Warehouse errors (connection, timeout, rejected)
//   - RUN001-RUN003: Run errors (cancelled, already active, bad selection)
package core
