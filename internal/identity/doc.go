// Package identity resolves who a visitor is and where they came from.
//
// A Resolver reads the identity cookies (_ext_id, _fbc, _fbp, _attr) and
// the landing query string, and returns the VisitorIdentity, the session
// Attribution, and the Set-Cookie headers the caller must write. It performs
// no I/O itself, which keeps it usable from any HTTP framework.
package identity
