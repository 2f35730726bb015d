// Package event turns one user action into a domain.TrackingEvent.
//
// The Builder assigns the event id shared by both delivery channels,
// normalizes and hashes contact fields, and cleans custom data. It does no
// I/O; building the same input with the same clock and id yields the same
// event.
package event
