// Package kvstore provides the small string key/value store that backs every
// best-effort local setting of the site client: the manifest envelope and its
// version marker, per-article view tallies, the sidebar state and the render
// mode preference. Backends are interchangeable (memory, file, redis, sqlite)
// and callers are expected to treat ErrUnavailable and ErrQuotaExceeded as
// "proceed without storage" rather than as fatal conditions.
package kvstore
