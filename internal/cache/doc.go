// Package cache stores compiled dependency layers keyed by their inputs.
//
// A [Key] is a sha256 over length-prefixed fields describing everything
// that can influence a cache group's output: the group name, the builder
// image digest, the platform, the step state accumulated before the group,
// the contents of the key files, and the group's own step definitions.
// Files outside the key (application sources) never contribute, so editing
// them keeps the key stable.
//
// A [FileStore] persists each entry as a tar blob plus a JSON record under
// the cache directory. Entries are written to a temporary directory and
// renamed into place, so readers see either a complete entry or none.
//
// [Cache] combines a store with single-flight filling: concurrent fills of
// the same key in one process share a single execution.
package cache
