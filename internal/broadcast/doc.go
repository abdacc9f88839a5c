// Package broadcast holds the latest scrape result and fans it out to the
// connected subscribers.
//
// The Cache keeps exactly one result. The Registry tracks live subscribers by
// ID. The Coordinator ties them together: Publish replaces the cached result
// before it takes a snapshot of the registry and sends to every subscriber in
// it, dropping the ones whose send failed; Connect registers a subscriber and
// immediately sends it the cached result when there is one.
package broadcast
