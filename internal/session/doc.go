// Package session holds per-call conversation state and the registry of
// active calls. Each Session belongs to exactly one connection; the Manager
// only indexes sessions for monitoring, renames them when the call ID arrives
// late, and expires calls that stop sending audio.
package session
