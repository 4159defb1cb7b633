// Package state provides a per-user session registry for conversational bots.
// Each user id owns at most one session value, guarded by its own lock so that
// work for different users never contends.
package state
