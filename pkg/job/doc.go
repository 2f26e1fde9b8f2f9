/*
Package job implements the coordination core's job manager: it reconciles
a desired set of revisions against in-flight subprocess jobs, dispatches
them to a fixed pool of workers, and enforces cooperative-then-forceful
cancellation when a revision falls out of the desired set.

This is the Go-native redesign permitted by the worker/checkout coupling
note: rather than binding one fixed checkout per worker (the source's
simplification), workers acquire a checkout through pkg/pool alongside
whatever user-declared tokens the test needs, in the same atomic Acquire
call. num_worktrees and the worker count are therefore independent knobs,
as the design note recommends whenever concurrent jobs can exceed the
number of checkouts a user is willing to maintain.

Resource wraps the two kinds of token the pool hands out — an ephemeral
*vcs.Worktree or a configuration-declared string — behind one type, so
Manager can instantiate a single pool.Pool[Resource] instead of running
worktree acquisition through a separate code path from user tokens.
*/
package job
