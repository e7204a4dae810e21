// Package worker implements the request router's lifecycle: a Registration
// installs a versioned Worker by pre-fetching the core assets into a fresh
// named store, promotes it from waiting to active (explicitly or once the
// previous active worker has no requests in flight), deletes every other
// store on activation and answers control messages through a mailbox loop.
//
// Worker states move strictly forward:
//
//	installing -> waiting -> active -> redundant
//	installing -> redundant   (install failed or superseded)
//	waiting    -> redundant   (superseded by a newer waiting worker)
package worker
