/*
Package metrics provides Prometheus metrics collection and exposition for lci.

Metrics are package-level vars registered against the default registry in
init: call sites reach for a metric by name and record against it
directly, or via a Timer (NewTimer/ObserveDuration) when what's being
measured is a duration bracketing a block of code.

# Catalog

Pool (pkg/pool):
  - lci_pool_acquire_wait_seconds{resource}: time spent blocked in Acquire.
  - lci_pool_available_tokens{resource}: a periodic snapshot of availability.

Job manager (pkg/job):
  - lci_jobs_in_flight: gauge of enqueued-or-running jobs.
  - lci_jobs_started_total{test}, lci_jobs_cancelled_total{test},
    lci_jobs_failed_total{test}: lifecycle counters.
  - lci_job_duration_seconds{test}: subprocess wall-clock time.

Result cache (pkg/cache):
  - lci_cache_hits_total{test}, lci_cache_misses_total{test}.
  - lci_cache_write_duration_seconds: time to write one result.json.

Handler() exposes these on /metrics via promhttp; Collector periodically
snapshots gauge-shaped state (pool availability, jobs in flight) that
isn't naturally updated at the point of a single call.
*/
package metrics
