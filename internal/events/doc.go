// Package events delivers run-correlated agent events to the connection that
// owns each run.
//
// Every event is stamped with a per-run sequence number starting at 1,
// persisted for replay, and handed to the owning Sink. Stamping, persisting
// and handing off happen under a per-run lock, so one run's events reach its
// sink in emission order. Nothing is promised across runs.
//
// When the owning connection goes away, DetachSink unbinds it. Events
// emitted afterwards are still persisted. Follow lets a new connection replay
// what it missed and take over live delivery without gaps or duplicates.
package events
