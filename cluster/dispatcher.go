package cluster

import (
	"context"
	"time"

	"rediscluster/internal/pool"
	"rediscluster/internal/slot"
	"rediscluster/internal/workerconn"
)

// outcome classifies what happened on one attempt, driving the §4.F.1
// retry/refresh state machine.
type outcome int

const (
	outcomeTerminal outcome = iota
	outcomeRefreshRetry
	outcomeRetryNoRefresh
)

// classify maps a reply/error pair to its next action per the table in
// §4.F.1. For a pipeline reply, the caller has already scanned the list for
// a routing-signal element and passes that element's error here instead.
func classify(value interface{}, err error) outcome {
	if err == nil {
		return outcomeTerminal
	}
	if err == errSnapshotUndefined {
		return outcomeRefreshRetry
	}
	if err == pool.ErrNoConnection {
		return outcomeRefreshRetry
	}
	var se *workerconn.ServerError
	if asServerError(err, &se) {
		for _, prefix := range []string{"MOVED ", "READONLY ", "CLUSTERDOWN ", "TRYAGAIN "} {
			if se.HasPrefix(prefix) {
				return outcomeRefreshRetry
			}
		}
		return outcomeTerminal // domain error: wrong type, syntax, etc.
	}
	if workerconn.IsTransportError(err) {
		return outcomeRetryNoRefresh
	}
	return outcomeTerminal
}

func asServerError(err error, out **workerconn.ServerError) bool {
	if se, ok := err.(*workerconn.ServerError); ok {
		*out = se
		return true
	}
	return false
}

var errSnapshotUndefined = &sentinelErr{"cluster: snapshot undefined"}

type sentinelErr struct{ msg string }

func (e *sentinelErr) Error() string { return e.msg }

// pipelineOutcome scans a pipeline reply list for the first element that
// matches one of the four routing-signal server errors (§4.F.1's list-form
// entry); if found, the whole pipeline is retried.
func pipelineOutcome(replies []interface{}) (outcome, error) {
	for _, r := range replies {
		if se, ok := r.(error); ok {
			if o := classify(nil, se); o == outcomeRefreshRetry {
				return o, se
			}
		}
	}
	return outcomeTerminal, nil
}

// q issues a single command or pipeline against cluster, routed by its own
// key, retrying and refreshing per §4.F.1 bounded by REQUEST_TTL.
func (c *Client) q(ctx context.Context, name string, p Pipeline) (interface{}, error) {
	key, ok := keyOf(p)
	if !ok {
		return nil, ErrInvalidClusterCommand
	}
	return c.qk(ctx, name, p, key)
}

// qk is q but with an explicit routing key, bypassing the extractor.
func (c *Client) qk(ctx context.Context, name string, p Pipeline, routingKey string) (interface{}, error) {
	m, err := c.monitorFor(name)
	if err != nil {
		return nil, err
	}
	s := slot.Of(routingKey)

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

		pl, version, ok := m.getPoolBySlot(s)
		if !ok {
			m.refresh(version)
			// §4.F.1: "do not sleep before first retry" — only the very
			// first attempt's undefined snapshot skips the throttle; if it
			// is still undefined on a later attempt, normal RETRY_DELAY
			// throttling between attempts resumes.
			if attempt > 0 {
				sleepBeforeNext = true
			}
			continue
		}

		value, callErr := pool.WithWorker(ctx, pl, func(w *workerconn.Worker) (interface{}, error) {
			return runPipeline(w, p)
		})

		o := classify(value, callErr)
		switch o {
		case outcomeTerminal:
			return value, callErr
		case outcomeRefreshRetry:
			m.refresh(version)
			sleepBeforeNext = true
		case outcomeRetryNoRefresh:
			sleepBeforeNext = true
		}
	}
	return nil, ErrNoConnection
}

// runPipeline issues p against w, returning the single reply for a
// one-command pipeline or the raw []interface{} for a multi-command one
// (including a possible MULTI/EXEC wrapper, which the caller unwraps).
func runPipeline(w *workerconn.Worker, p Pipeline) (interface{}, error) {
	cmds := make([]workerconn.Command, len(p))
	for i, c := range p {
		cmds[i] = workerconn.Command{Verb: c.Verb, Args: c.Args}
	}
	if len(cmds) == 1 {
		return w.Query(cmds[0].Verb, cmds[0].Args...)
	}
	replies, err := w.Pipeline(cmds)
	if err != nil {
		return nil, err
	}
	if o, signalErr := pipelineOutcome(replies); o == outcomeRefreshRetry {
		return nil, signalErr
	}
	return replies, nil
}
