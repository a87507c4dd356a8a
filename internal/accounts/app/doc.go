// Package server composes and runs the accountd process boundary.
//
// It hosts the account engine with one database pair per user, a serialized
// lifecycle event queue, and a gRPC health surface so supervisors can probe
// readiness.
package server
