// Package httputil provides shared HTTP response/request helpers for the
// tracking endpoints: JSON envelopes, bounded body decoding that accepts
// sendBeacon payloads, and the transparent tracking GIF.
package httputil
