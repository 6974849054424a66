package reconciler

import (
	"context"
	"fmt"

	"github.com/cuemby/keel/pkg/cache"
	"github.com/cuemby/keel/pkg/executor"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/metrics"
	"github.com/cuemby/keel/pkg/types"
	"golang.org/x/sync/errgroup"
)

type refreshJob struct {
	host  types.Host
	check bool
	kinds executor.RefreshKinds
}

type refreshResult struct {
	job      refreshJob
	snap     *executor.HostSnapshot
	checkErr error
	err      error
}

var allKinds = executor.RefreshKinds{Daemons: true, Devices: true, Facts: true}

// refreshJobs selects the hosts whose observed data is stale. Offline hosts
// are always checked so they can come back.
func (r *Reconciler) refreshJobs() []refreshJob {
	var jobs []refreshJob
	for _, h := range r.inventory.List() {
		if !r.cache.HasHost(h.Hostname) {
			r.cache.PrimeEmptyHost(h.Hostname)
		}

		job := refreshJob{host: h}
		if h.Status == types.HostStatusOffline {
			job.check = true
			job.kinds = allKinds
		} else {
			job.check = r.cache.NeedsRefresh(h.Hostname, cache.KindHostCheck)
			job.kinds = executor.RefreshKinds{
				Daemons: r.cache.NeedsRefresh(h.Hostname, cache.KindDaemons),
				Devices: r.cache.NeedsRefresh(h.Hostname, cache.KindDevices),
				Facts:   r.cache.NeedsRefresh(h.Hostname, cache.KindFacts),
			}
		}
		if job.check || job.kinds.Any() {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// refreshHosts fans the stale hosts out to the worker pool. Workers only
// talk to hosts; their results are applied to the cache here, one at a time.
func (r *Reconciler) refreshHosts(ctx context.Context, res *PassResult) {
	jobs := r.refreshJobs()
	if len(jobs) == 0 {
		return
	}

	results := make(chan refreshResult, len(jobs))
	var g errgroup.Group
	g.SetLimit(r.cfg.WorkerPoolSize)
	for _, job := range jobs {
		job := job
		r.cache.BeginRefresh(job.host.Hostname)
		g.Go(func() error {
			results <- r.refreshHost(ctx, job)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(results)
	}()

	for result := range results {
		r.applyRefresh(result, res)
		r.cache.EndRefresh(result.job.host.Hostname)
	}
}

func (r *Reconciler) refreshHost(ctx context.Context, job refreshJob) refreshResult {
	lock := r.hostLock(job.host.Hostname)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.HostTimeout)
	defer cancel()

	result := refreshResult{job: job}
	if job.check {
		if err := r.exec.CheckHost(ctx, job.host); err != nil {
			result.checkErr = err
			return result
		}
	}
	if job.kinds.Any() {
		result.snap, result.err = r.exec.Refresh(ctx, job.host, job.kinds)
	}
	return result
}

func (r *Reconciler) applyRefresh(result refreshResult, res *PassResult) {
	host := result.job.host.Hostname
	logger := log.WithHost(host)

	if err := result.checkErr; err != nil {
		if isUnreachable(err) {
			metrics.HostRefreshTotal.WithLabelValues("unreachable").Inc()
			r.markOffline(host, err)
			return
		}
		metrics.HostRefreshTotal.WithLabelValues("check_failed").Inc()
		r.checkErrors[host] = err.Error()
		res.Errors = append(res.Errors, fmt.Errorf("host check of %s: %w", host, err))
		logger.Warn().Err(err).Msg("host check failed")
		return
	}

	if result.job.check {
		delete(r.checkErrors, host)
		r.cache.UpdateLastHostCheck(host)
		if result.job.host.Status == types.HostStatusOffline {
			r.markOnline(host)
		}
	}

	if err := result.err; err != nil {
		if isUnreachable(err) {
			metrics.HostRefreshTotal.WithLabelValues("unreachable").Inc()
			r.markOffline(host, err)
			return
		}
		metrics.HostRefreshTotal.WithLabelValues("error").Inc()
		r.refreshErrors[host] = err.Error()
		res.Errors = append(res.Errors, fmt.Errorf("refresh of %s: %w", host, err))
		logger.Warn().Err(err).Str("kinds", result.job.kinds.String()).Msg("refresh failed")
		return
	}
	if result.snap == nil {
		return
	}
	delete(r.refreshErrors, host)

	kinds := result.job.kinds
	if kinds.Daemons {
		r.cache.UpdateHostDaemons(host, result.snap.Daemons)
	}
	if kinds.Devices {
		r.cache.UpdateHostDevices(host, result.snap.Devices, result.snap.Networks)
	}
	if kinds.Facts {
		r.cache.UpdateHostFacts(host, result.snap.Facts)
	}
	if err := r.cache.SaveHost(host); err != nil {
		logger.Error().Err(err).Msg("failed to persist observed state")
	}
	metrics.HostRefreshTotal.WithLabelValues("success").Inc()
	res.Refreshed = append(res.Refreshed, host)
	logger.Debug().Str("kinds", kinds.String()).Msg("host refreshed")
}
