// Package cache implements the versioned HTTP response stores used by the
// request router. A Storage owns a set of named stores laid out as
// StoragePath/http/<store>/<hash>.{body,meta}; each Store maps a request
// identity (method + URL) to a captured status, header set and body. Writes
// go through temp file + rename so a concurrent reader observes either the
// previous entry or the new one, never a torn file. Higher layers decide
// which store is current; this package only creates, enumerates and deletes
// them.
package cache
