/*
Package pool implements the blocking, multi-key resource pool the job
manager (pkg/job) acquires worktrees and user-declared tokens from.

A Pool holds, for each spec.ResourceKey, a LIFO stack of available tokens.
Acquire takes a map of wanted counts and blocks until every key in the
request has enough availability, then removes all of them atomically under
one lock — so a caller never partially acquires a request, and a request
that can be satisfied is never starved behind one that can't (every release
wakes every waiter, and each re-checks its own predicate).

This mirrors local-ci's resource.rs: a mutex-guarded map plus a condition
variable, adapted from Rust's async condvar-over-mutex to Go's
sync.Cond, which has the same "hold the lock across Wait" shape.
*/
package pool
