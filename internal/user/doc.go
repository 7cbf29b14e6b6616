// Package user serves user records read-through and keeps them fresh.
//
// A query answers from storage when it can and fetches the profile
// synchronously only for users never seen before. Stale profiles and stale
// name histories are refreshed in the background, each through its own
// coalescer so one identity never has two refreshes of the same kind in
// flight.
package user
