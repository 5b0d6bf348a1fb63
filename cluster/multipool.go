package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"rediscluster/internal/pool"
	"rediscluster/internal/slot"
	"rediscluster/internal/workerconn"
)

// bucketItem records where one command in a qmn pipeline ended up.
type bucketItem struct {
	originalIndex int
	cmd           Command
}

// Qmn splits a pipeline whose commands may hash to different slots across
// pools, executes each pool's bucket in parallel, and restitches the
// results by original index (§4.G).
func (c *Client) Qmn(ctx context.Context, name string, cmds []Command) ([]interface{}, error) {
	m, err := c.monitorFor(name)
	if err != nil {
		return nil, err
	}

	ttl := m.cfg.requestTTL()
	delay := m.cfg.retryDelay()
	sleepBeforeNext := false

	for attempt := 0; attempt < ttl; attempt++ {
		if sleepBeforeNext {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		results, version, o, signalErr := runQmnRound(ctx, m, cmds)
		switch o {
		case outcomeTerminal:
			if signalErr != nil {
				return nil, signalErr
			}
			return results, nil
		case outcomeRefreshRetry:
			m.refresh(version)
			sleepBeforeNext = true
		case outcomeRetryNoRefresh:
			sleepBeforeNext = true
		}
	}
	return nil, ErrNoConnection
}

// runQmnRound performs steps 1-3 of §4.G once: bucket by pool, execute in
// parallel, and report whether any bucket signaled retry.
func runQmnRound(ctx context.Context, m *monitor, cmds []Command) (results []interface{}, version uint64, o outcome, err error) {
	buckets := map[PoolID][]bucketItem{}
	var snapVersion uint64
	for i, cmd := range cmds {
		key, ok := keyOf(Pipeline{cmd})
		if !ok {
			return nil, 0, outcomeTerminal, ErrInvalidClusterCommand
		}
		s := slot.Of(key)
		snap := m.getSnapshot()
		if snap == nil {
			return nil, 0, outcomeRefreshRetry, errSnapshotUndefined
		}
		snapVersion = snap.Version
		id := snap.poolIDForSlot(s)
		buckets[id] = append(buckets[id], bucketItem{originalIndex: i, cmd: cmd})
	}

	type bucketResult struct {
		items   []bucketItem
		replies []interface{}
		err     error
	}

	var wg sync.WaitGroup
	resultsCh := make(chan bucketResult, len(buckets))
	for id, items := range buckets {
		p, ok := m.getPool(id)
		if !ok {
			resultsCh <- bucketResult{items: items, err: errSnapshotUndefined}
			continue
		}
		wg.Add(1)
		go func(p *pool.Pool, items []bucketItem) {
			defer wg.Done()
			wcmds := make([]workerconn.Command, len(items))
			for i, it := range items {
				wcmds[i] = workerconn.Command{Verb: it.cmd.Verb, Args: it.cmd.Args}
			}
			replies, callErr := pool.WithWorker(ctx, p, func(w *workerconn.Worker) ([]interface{}, error) {
				return w.Pipeline(wcmds)
			})
			resultsCh <- bucketResult{items: items, replies: replies, err: callErr}
		}(p, items)
	}
	wg.Wait()
	close(resultsCh)

	out := make([]interface{}, len(cmds))
	for br := range resultsCh {
		bo := classify(nil, br.err)
		if bo == outcomeTerminal && br.err == nil {
			if ro, _ := pipelineOutcome(br.replies); ro == outcomeRefreshRetry {
				bo = outcomeRefreshRetry
			}
		}
		if bo != outcomeTerminal {
			o = bo
			err = br.err
			continue
		}
		for i, it := range br.items {
			out[it.originalIndex] = br.replies[i]
		}
	}
	if o != outcomeTerminal {
		return nil, snapVersion, o, err
	}
	return out, snapVersion, outcomeTerminal, nil
}

// sortBucketItems is used by tests to assert original-order preservation.
func sortBucketItems(items []bucketItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].originalIndex < items[j].originalIndex })
}
