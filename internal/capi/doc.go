// Package capi is a client for the Meta Conversions API events endpoint.
//
// One call sends one event. The client does not retry; it reports each
// failure as a *DeliveryError carrying whether a later attempt may succeed,
// and leaves scheduling to the dispatcher.
package capi
