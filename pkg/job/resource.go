package job

import "github.com/cuemby/lci/pkg/vcs"

// Resource is the pool.Pool[Resource] element type: either an ephemeral
// checkout or a configuration-declared token string, never both. Which one
// a given spec.ResourceKey yields is determined entirely by the key
// (spec.WorktreeKey vs spec.UserTokenKey), so callers that already know
// which key they asked for can call the matching accessor directly.
type Resource struct {
	worktree *vcs.Worktree
	token    string
}

// WorktreeResource wraps a checkout as a pool resource.
func WorktreeResource(wt *vcs.Worktree) Resource {
	return Resource{worktree: wt}
}

// TokenResource wraps a configuration-declared token string as a pool
// resource.
func TokenResource(token string) Resource {
	return Resource{token: token}
}

// Worktree returns the wrapped checkout, or nil if this Resource wraps a
// token instead.
func (r Resource) Worktree() *vcs.Worktree { return r.worktree }

// Token returns the wrapped token string.
func (r Resource) Token() string { return r.token }

func tokensToResources(tokens []string) []Resource {
	out := make([]Resource, len(tokens))
	for i, t := range tokens {
		out[i] = TokenResource(t)
	}
	return out
}
