// Package tracking is the entry point the landing page talks to.
//
// Service ties identity resolution, event building and dispatch together
// behind one call that never fails. Handler exposes it over HTTP, and the
// SQS types move abandoned deliveries to a dead-letter queue and back.
package tracking
