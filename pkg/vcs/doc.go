/*
Package vcs is the VCS collaborator: opening a repository, resolving
revisions, and creating ephemeral checkouts ("worktrees") that the job
manager runs test subprocesses in.

A Repo shells out to the system git binary: no git-porcelain library is
wired into this module, so revision resolution and worktree management
go through os/exec and the git CLI directly.
*/
package vcs
