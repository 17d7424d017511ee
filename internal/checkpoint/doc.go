// Package checkpoint persists the progress of a single build so it survives
// crashes and can be resumed.
//
// Each build lives under <stateDir>/builds/<buildID>/:
//
//	state.json            whole BuildState, replaced atomically on every write
//	checkpoints/<id>.json one immutable record per completed subtask
//	attempts.log          append-only NDJSON audit trail
//	build.lock            flock(2) lock held around every read-modify-write
//
// The [Store] is the only writer of [BuildState]. All mutations are
// serialized by an in-process mutex plus the file lock, so concurrent tasks of
// one wave can record checkpoints and failures without losing updates.
package checkpoint
