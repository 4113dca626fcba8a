// Package runs owns every persisted change to a run.
//
// States:
//   - not_started -> queued -> running -> succeeded | failed | stopped
//
// Each status write is validated by state.Transition and then persisted as a
// compare-and-set on the previous status, so two writers racing on the same
// edge cannot both win.
//
// Auditing:
//   - Every successful transition emits exactly one "run.<status>" audit event.
//   - Rejected transitions do not emit audit events.
package runs
