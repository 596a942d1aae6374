// Package worker implements the offline cache manager and fetch router that
// sits in front of each app.
//
// A Container owns an app's cache generations and its worker Instances. An
// Instance is bound to one deployed version and one generation and moves
// through installing → installed (waiting) → activating → activated →
// redundant. Installing precaches the asset manifest (one bulk attempt, then a
// per-asset fallback); activating deletes every other generation of the app
// and claims all open clients.
//
// The active Instance's Router classifies each request and applies a policy:
// non-GET requests pass through, same-origin navigations are network-first
// raced against a timeout with a cached shell and an offline document as
// fallbacks, same-origin assets are cache-first with lazy fill, and
// cross-origin requests go to the network only.
package worker
