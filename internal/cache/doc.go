// Package cache stores immutable response snapshots grouped into named
// generations (<prefix>-<version>). A generation is created when a worker
// version installs and is deleted as a whole once a newer version activates.
// Four drivers share the Store contract: fs (one file per snapshot written via
// temp file + rename), leveldb, redis and an in-process memory map. Higher
// layers go through SnapshotWriter so that only successful responses are
// ever persisted.
package cache
