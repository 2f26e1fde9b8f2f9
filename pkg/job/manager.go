package job

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/lci/pkg/cache"
	"github.com/cuemby/lci/pkg/dag"
	"github.com/cuemby/lci/pkg/metrics"
	"github.com/cuemby/lci/pkg/pool"
	"github.com/cuemby/lci/pkg/spec"
	"github.com/cuemby/lci/pkg/vcs"
)

// jobKey identifies one in-flight (revision, test) job.
type jobKey struct {
	revision spec.RevisionId
	test     spec.TestName
}

// Config is everything Manager needs to prime its pool and start its
// worker pool. Tests is expected to be the DAG the config resolver (C)
// produced; Manager reads its nodes but never mutates it.
type Config struct {
	Repo         *vcs.Repo
	Tests        *dag.Dag[spec.TestName, *spec.TestSpec]
	Cache        *cache.Database
	PoolTokens   map[spec.ResourceKey][]string
	NumWorktrees int
	NumWorkers   int
	Logger       zerolog.Logger
}

// Manager reconciles a desired set of revisions to in-flight jobs. See
// SetRevisions for the reconciliation contract.
type Manager struct {
	repo    *vcs.Repo
	tests   []*spec.TestSpec
	poolRes *pool.Pool[Resource]
	cache   *cache.Database
	log     zerolog.Logger

	queue *queue

	mu       sync.Mutex
	inFlight map[jobKey]context.CancelFunc

	wg    sync.WaitGroup
	errCh chan error
}

// New primes the resource pool with the configured tokens and num_worktrees
// ephemeral checkouts, then starts num_workers worker goroutines. If any
// checkout fails to create, New tears down the ones it already made and
// returns the error, since checkouts are no longer bound one-per-worker
// and so can fail fast at construction rather than inside a worker loop.
func New(ctx context.Context, cfg Config) (*Manager, error) {
	initial := make(map[spec.ResourceKey][]Resource, len(cfg.PoolTokens))
	for key, tokens := range cfg.PoolTokens {
		initial[key] = tokensToResources(tokens)
	}
	if _, ok := initial[spec.WorktreeKey()]; !ok {
		initial[spec.WorktreeKey()] = nil
	}
	p := pool.New(initial)

	worktrees := make([]*vcs.Worktree, 0, cfg.NumWorktrees)
	for i := 0; i < cfg.NumWorktrees; i++ {
		wt, err := cfg.Repo.NewWorktree(ctx)
		if err != nil {
			for _, created := range worktrees {
				_ = created.Close()
			}
			return nil, fmt.Errorf("creating worktree %d/%d: %w", i+1, cfg.NumWorktrees, err)
		}
		worktrees = append(worktrees, wt)
	}
	if len(worktrees) > 0 {
		resources := make([]Resource, len(worktrees))
		for i, wt := range worktrees {
			resources[i] = WorktreeResource(wt)
		}
		p.Add(map[spec.ResourceKey][]Resource{spec.WorktreeKey(): resources})
	}

	tests := make([]*spec.TestSpec, 0)
	if cfg.Tests != nil {
		tests = cfg.Tests.BottomUp()
	}

	m := &Manager{
		repo:     cfg.Repo,
		tests:    tests,
		poolRes:  p,
		cache:    cfg.Cache,
		log:      cfg.Logger,
		queue:    newQueue(),
		inFlight: make(map[jobKey]context.CancelFunc),
		errCh:    make(chan error, 1),
	}

	numWorkers := cfg.NumWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		m.wg.Add(1)
		go m.workerLoop(ctx, i)
	}
	return m, nil
}

// Wait blocks until every worker goroutine has exited, which happens when
// ctx (the context New was given) is cancelled.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// InFlightCount returns the number of jobs currently enqueued or running.
// Used by pkg/metrics to periodically publish a gauge; not part of the
// reconciliation contract.
func (m *Manager) InFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}

// PoolSnapshot returns the pool's current per-resource availability, for
// the same metrics-polling purpose as InFlightCount.
func (m *Manager) PoolSnapshot() map[spec.ResourceKey]int {
	return m.poolRes.Snapshot()
}

// checkWorkerDeath returns the first worker-death error recorded, if any,
// without blocking.
func (m *Manager) checkWorkerDeath() error {
	select {
	case err := <-m.errCh:
		return err
	default:
		return nil
	}
}

func (m *Manager) reportWorkerDeath(err error) {
	select {
	case m.errCh <- err:
	default:
	}
}

// SetRevisions reconciles in-flight jobs against revs: every in-flight job
// whose revision isn't in revs is cancelled first, then every (revision,
// test) in revs that isn't already in flight and isn't cached is enqueued.
// The call returns once dispatching is complete; job completion happens
// asynchronously on the worker goroutines. If a worker has died, that
// error is returned instead of enqueuing further work.
func (m *Manager) SetRevisions(ctx context.Context, revs []spec.RevisionId) error {
	if err := m.checkWorkerDeath(); err != nil {
		return err
	}

	desired := make(map[spec.RevisionId]struct{}, len(revs))
	for _, rev := range revs {
		desired[rev] = struct{}{}
	}

	m.mu.Lock()
	for key, cancel := range m.inFlight {
		if _, ok := desired[key.revision]; !ok {
			cancel()
			metrics.JobsCancelledTotal.WithLabelValues(string(key.test)).Inc()
		}
	}
	m.mu.Unlock()

	for _, rev := range revs {
		for _, test := range m.tests {
			key := jobKey{revision: rev, test: test.Name}

			m.mu.Lock()
			_, running := m.inFlight[key]
			m.mu.Unlock()
			if running {
				continue
			}

			cached, err := m.alreadyCached(ctx, rev, test)
			if err != nil {
				m.log.Warn().Err(err).Str("revision", string(rev)).Str("test", string(test.Name)).Msg("cache lookup failed, scheduling anyway")
			}
			if cached {
				metrics.CacheHitsTotal.WithLabelValues(string(test.Name)).Inc()
				continue
			}
			if test.CachePolicy != spec.NoCache {
				metrics.CacheMissesTotal.WithLabelValues(string(test.Name)).Inc()
			}

			jobCtx, cancel := context.WithCancel(ctx)
			m.mu.Lock()
			m.inFlight[key] = cancel
			m.mu.Unlock()

			metrics.JobsStartedTotal.WithLabelValues(string(test.Name)).Inc()
			m.queue.push(&task{revision: rev, test: test, ctx: jobCtx})
		}
	}
	return nil
}

// revisionKey resolves the cache key for (rev, test) according to the
// test's cache policy, returning ok=false for spec.NoCache.
func (m *Manager) revisionKey(ctx context.Context, rev spec.RevisionId, test *spec.TestSpec) (cache.RevisionKey, bool, error) {
	switch test.CachePolicy {
	case spec.NoCache:
		return "", false, nil
	case spec.ByTree:
		tree, err := m.repo.TreeHash(ctx, rev)
		if err != nil {
			return "", false, err
		}
		return cache.RevisionKey(tree), true, nil
	default: // spec.ByCommit
		return cache.RevisionKey(rev), true, nil
	}
}

func (m *Manager) alreadyCached(ctx context.Context, rev spec.RevisionId, test *spec.TestSpec) (bool, error) {
	key, ok, err := m.revisionKey(ctx, rev, test)
	if err != nil || !ok {
		return false, err
	}
	return m.cache.HasCachedResult(key, test.Name), nil
}

func (m *Manager) workerLoop(ctx context.Context, idx int) {
	defer m.wg.Done()
	workerLog := m.log.With().Int("worker", idx).Logger()
	for {
		t, ok := m.queue.pop(ctx)
		if !ok {
			return
		}
		m.runTask(ctx, workerLog, t)
	}
}

// runTask executes one job end to end: acquire resources, check out the
// revision, spawn the subprocess, wait for exit or cancellation, and
// record the result. It never returns an error: VCS and subprocess
// failures are per-job outcomes, not worker death.
func (m *Manager) runTask(ctx context.Context, workerLog zerolog.Logger, t *task) {
	key := jobKey{revision: t.revision, test: t.test.Name}
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, key)
		m.mu.Unlock()
	}()

	jobLog := workerLog.With().Str("revision", string(t.revision)).Str("test", string(t.test.Name)).Logger()

	waitTimer := metrics.NewTimer()
	lease, err := m.poolRes.Acquire(t.ctx, t.test.NeedsResources)
	metrics.PoolAcquireWait.WithLabelValues("job").Observe(waitTimer.Duration().Seconds())
	if err != nil {
		jobLog.Debug().Msg("job cancelled before resources were acquired")
		return
	}
	defer lease.Release()

	workDir := ""
	if _, needsWorktree := t.test.NeedsResources[spec.WorktreeKey()]; needsWorktree {
		resources := lease.Resources(spec.WorktreeKey())
		if len(resources) == 0 {
			jobLog.Error().Msg("worktree requested but none granted")
			return
		}
		wt := resources[0].Worktree()
		if err := wt.CheckoutRevision(t.ctx, t.revision); err != nil {
			jobLog.Warn().Err(err).Msg("checkout failed, job treated as failed")
			metrics.JobsFailedTotal.WithLabelValues(string(t.test.Name)).Inc()
			return
		}
		workDir = wt.Path()
	}

	env := os.Environ()
	for k := range t.test.NeedsResources {
		if k.Kind != spec.ResourceUserToken {
			continue
		}
		for i, r := range lease.Resources(k) {
			env = append(env, fmt.Sprintf("LCI_RESOURCE_%s_%d=%s", k.Name, i, r.Token()))
		}
	}

	revKey, cacheEnabled, err := m.revisionKey(t.ctx, t.revision, t.test)
	if err != nil {
		jobLog.Warn().Err(err).Msg("resolving cache key failed, result will not be cached")
		cacheEnabled = false
	}

	var sink *cache.OutputSink
	var stdout, stderr *os.File
	if cacheEnabled {
		sink = m.cache.CreateOutput(revKey, t.test.Name)
		if w, err := sink.Stdout(); err == nil {
			stdout, _ = w.(*os.File)
		}
		if w, err := sink.Stderr(); err == nil {
			stderr, _ = w.(*os.File)
		}
	}

	cmd := exec.Command(t.test.Program, t.test.Args...)
	cmd.Dir = workDir
	cmd.Env = env
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		closeOutputs(stdout, stderr)
		jobLog.Warn().Err(err).Msg("spawn failed")
		if cacheEnabled {
			_ = sink.SetResult(spec.TestResult{ExitCode: -1, CachedAt: time.Now().UTC()})
		}
		metrics.JobsFailedTotal.WithLabelValues(string(t.test.Name)).Inc()
		return
	}

	result, cancelled := waitForExit(t.ctx, cmd, t.test.ShutdownGracePeriod)
	closeOutputs(stdout, stderr)
	result.Duration = time.Since(start)
	result.CachedAt = time.Now().UTC()
	metrics.JobDuration.WithLabelValues(string(t.test.Name)).Observe(result.Duration.Seconds())

	if cancelled {
		jobLog.Info().Msg("job cancelled")
		return
	}
	jobLog.Info().Int("exit_code", result.ExitCode).Bool("signaled", result.Signaled).Msg("job finished")
	if !cacheEnabled {
		return
	}
	writeTimer := metrics.NewTimer()
	if err := sink.SetResult(result); err != nil {
		jobLog.Error().Err(err).Msg("failed to write result to cache")
	}
	writeTimer.ObserveDuration(metrics.CacheWriteDuration)
}

func closeOutputs(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// waitForExit waits for cmd to exit, sending SIGINT once ctx is cancelled
// and SIGKILL if the process hasn't exited within gracePeriod afterward.
// Cancellation is edge-triggered: once SIGINT has been sent, a repeated
// cancellation signal (ctx is already done) has no further effect until
// the grace period elapses.
func waitForExit(ctx context.Context, cmd *exec.Cmd, gracePeriod time.Duration) (spec.TestResult, bool) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	ctxDone := ctx.Done()
	var killCh <-chan time.Time
	cancelled := false

	for {
		select {
		case err := <-waitCh:
			return resultFromWait(cmd.ProcessState, err), cancelled
		case <-ctxDone:
			cancelled = true
			ctxDone = nil
			_ = cmd.Process.Signal(syscall.SIGINT)
			timer := time.NewTimer(gracePeriod)
			defer timer.Stop()
			killCh = timer.C
		case <-killCh:
			killCh = nil
			_ = cmd.Process.Kill()
		}
	}
}

func resultFromWait(state *os.ProcessState, waitErr error) spec.TestResult {
	if state == nil {
		return spec.TestResult{ExitCode: -1}
	}
	result := spec.TestResult{ExitCode: state.ExitCode()}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		result.Signaled = true
		result.Signal = status.Signal().String()
		result.ExitCode = -1
	}
	_ = waitErr // the *exec.ExitError waitErr carries is fully reflected in state
	return result
}
