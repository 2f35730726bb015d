// Package dispatch delivers tracking events on two channels that share one
// event id: an instruction for the browser pixel, and a server-side call to
// the Conversions API with bounded retries and dead-lettering.
//
// Server-side delivery moves through the states
//
//	pending -> in_flight -> delivered | retry_scheduled | abandoned
//
// and every change is reported to a TransitionRecorder. Retries are never
// slept on: a failed attempt is written to a RetryQueue with its due time
// and picked up later by RetryDue.
package dispatch
