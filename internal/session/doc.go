// Package session coordinates time-correlated acquisitions across several
// devices.
//
// A session runs in phases:
//
//	flush (optional) ─▶ arm (concurrent) ─▶ trigger ─▶ complete
//
// No participant is triggered until every participant is Armed. If any
// phase fails, every participant that may still be armed or running
// receives Abort and Run returns a *PartialFailureError naming each
// participant that did not complete. Finished sessions are persisted
// through a Repository and reported to Metrics and a Publisher when those
// are configured.
package session
