// Package domain defines the core types of the conversion tracking pipeline.
//
// Types in this package are pure value objects with no behavior, no database
// dependencies, and no HTTP concerns. They are the shared language between
// the identity resolver, the event builder, the dispatcher, and the stores
// that record delivery progress.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON tags are allowed (they're metadata, not behavior)
//   - Small pure helpers on the types are allowed
//   - Constants and enums belong here
package domain
