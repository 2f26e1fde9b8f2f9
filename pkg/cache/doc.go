/*
Package cache implements a content-addressed result cache: a
directory-per-result, on-disk store keyed by (revision-key, test-name),
plus a secondary bbolt index that answers "is this cached" without a stat
call for the common case.

The directory layout and OutputSink single-write-per-file discipline
keep result.json as the last file written; a reader treats its absence
as "not cached" regardless of what else is on disk.

The bbolt index follows an embedded-KV idiom (one bucket, opened
alongside the directory tree), but it is never the source of truth: it
is rebuilt from the filesystem on open if it doesn't exist, and a miss
in the index falls back to checking the directory directly before
being trusted.
*/
package cache
