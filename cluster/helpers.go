package cluster

import (
	"context"
	"fmt"

	"rediscluster/internal/pool"
	"rediscluster/internal/slot"
	"rediscluster/internal/workerconn"
)

// Q issues a single command or pipeline on one slot, routed by its own key.
func (c *Client) Q(ctx context.Context, name string, p Pipeline) (interface{}, error) {
	return c.q(ctx, name, p)
}

// Qk is Q with an explicit routing key, bypassing the extractor (§4.F).
func (c *Client) Qk(ctx context.Context, name string, p Pipeline, routingKey string) (interface{}, error) {
	return c.qk(ctx, name, p, routingKey)
}

// Transaction wraps p in MULTI...EXEC and returns the final EXEC reply.
func (c *Client) Transaction(ctx context.Context, name string, p Pipeline) (interface{}, error) {
	wrapped := make(Pipeline, 0, len(p)+2)
	wrapped = append(wrapped, Command{Verb: "MULTI"})
	wrapped = append(wrapped, p...)
	wrapped = append(wrapped, Command{Verb: "EXEC"})
	reply, err := c.q(ctx, name, wrapped)
	if err != nil {
		return nil, err
	}
	// wrapped always has at least MULTI+EXEC, so runPipeline's multi-command
	// path returns the whole replies slice; the caller only wants EXEC's.
	replies := reply.([]interface{})
	return replies[len(replies)-1], nil
}

// TransactionFunc runs fn(worker) on a pool worker routed by routingKey,
// used for WATCH-based flows that need several round-trips on one
// connection. fn's commands are serialized on that single worker.
func (c *Client) TransactionFunc(ctx context.Context, name string, routingKey string, fn func(*workerconn.Worker) (interface{}, error)) (interface{}, error) {
	m, err := c.monitorFor(name)
	if err != nil {
		return nil, err
	}
	s := slot.Of(routingKey)
	pl, _, ok := m.getPoolBySlot(s)
	if !ok {
		return nil, ErrNoConnection
	}
	return pool.WithWorker(ctx, pl, fn)
}

// QA fans a command out to every primary in the cluster's current
// snapshot, returning one reply per pool. Per §4.H / the Open Questions
// resolution, this collects every result rather than failing fast; callers
// reduce.
func (c *Client) QA(ctx context.Context, name string, cmd Command) ([]Reply, error) {
	m, err := c.monitorFor(name)
	if err != nil {
		return nil, err
	}
	return c.forEachPool(ctx, m, cmd)
}

func (c *Client) forEachPool(ctx context.Context, m *monitor, cmd Command) ([]Reply, error) {
	pools := m.getAllPools()
	out := make([]Reply, len(pools))
	type indexed struct {
		i     int
		value interface{}
		err   error
	}
	resultsCh := make(chan indexed, len(pools))
	for i, p := range pools {
		go func(i int, p *pool.Pool) {
			v, err := pool.WithWorker(ctx, p, func(w *workerconn.Worker) (interface{}, error) {
				return w.Query(cmd.Verb, cmd.Args...)
			})
			resultsCh <- indexed{i: i, value: v, err: err}
		}(i, p)
	}
	for range pools {
		r := <-resultsCh
		out[r.i] = Reply{Value: r.value, Err: r.err}
	}
	return out, nil
}

// FlushDB is qa(["FLUSHDB"]) collapsed to a single error if any pool failed.
func (c *Client) FlushDB(ctx context.Context, name string) error {
	replies, err := c.QA(ctx, name, Command{Verb: "FLUSHDB"})
	if err != nil {
		return err
	}
	for _, r := range replies {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

// EvalSha issues EVALSHA routed by the first key (or the fixed stand-in key
// "A" when numkeys is 0), falling back to SCRIPT LOAD + EVALSHA on NOSCRIPT.
func (c *Client) EvalSha(ctx context.Context, name, sha, body string, keys []string, args []interface{}) (interface{}, error) {
	routingKey := "A"
	if len(keys) > 0 {
		routingKey = keys[0]
	}

	evalArgs := evalShaArgs(sha, keys, args)
	reply, err := c.qk(ctx, name, Pipeline{{Verb: "EVALSHA", Args: evalArgs}}, routingKey)
	if err == nil {
		return reply, nil
	}

	se, ok := err.(*workerconn.ServerError)
	if !ok || !se.HasPrefix("NOSCRIPT") {
		return nil, err
	}

	loadReply, err := c.qk(ctx, name, Pipeline{{Verb: "SCRIPT", Args: []interface{}{"LOAD", body}}}, routingKey)
	if err != nil {
		return nil, fmt.Errorf("cluster: SCRIPT LOAD after NOSCRIPT: %w", err)
	}
	loadedSHA, err := workerconn.ToString(loadReply)
	if err != nil {
		return nil, err
	}
	return c.qk(ctx, name, Pipeline{{Verb: "EVALSHA", Args: evalShaArgs(loadedSHA, keys, args)}}, routingKey)
}

func evalShaArgs(sha string, keys []string, args []interface{}) []interface{} {
	out := make([]interface{}, 0, 2+len(keys)+len(args))
	out = append(out, sha, len(keys))
	for _, k := range keys {
		out = append(out, k)
	}
	out = append(out, args...)
	return out
}

// OptimisticLockingTransaction executes WATCH key / read / fn / MULTI+write+EXEC
// on a single worker, retrying on CAS contention (a null EXEC reply) up to
// OL_TRANSACTION_TTL times. fn computes the write pipeline (and an extra
// caller-defined value) from the current read.
func (c *Client) OptimisticLockingTransaction(
	ctx context.Context,
	name, key string,
	readCmd Command,
	fn func(current interface{}) (writePipeline Pipeline, extra interface{}, err error),
) (interface{}, error) {
	m, err := c.monitorFor(name)
	if err != nil {
		return nil, err
	}
	ttl := m.cfg.olTransactionTTL()

	for attempt := 0; attempt < ttl; attempt++ {
		extra, execReply, err := c.runOptimisticAttempt(ctx, name, key, readCmd, fn)
		if err != nil {
			return nil, err
		}
		if execReply != nil {
			return extra, nil
		}
		// EXEC returned null: the watched key changed underneath us. Retry.
	}
	return nil, ErrResourceBusy
}

func (c *Client) runOptimisticAttempt(
	ctx context.Context,
	name, key string,
	readCmd Command,
	fn func(current interface{}) (Pipeline, interface{}, error),
) (extra interface{}, execReply interface{}, err error) {
	result, err := c.TransactionFunc(ctx, name, key, func(w *workerconn.Worker) (interface{}, error) {
		if _, err := w.Query("WATCH", key); err != nil {
			return nil, err
		}
		current, err := w.Query(readCmd.Verb, readCmd.Args...)
		if err != nil {
			return nil, err
		}
		writePipeline, extra, err := fn(current)
		if err != nil {
			w.Query("UNWATCH")
			return nil, err
		}
		cmds := make([]workerconn.Command, 0, len(writePipeline)+2)
		cmds = append(cmds, workerconn.Command{Verb: "MULTI"})
		for _, wc := range writePipeline {
			cmds = append(cmds, workerconn.Command{Verb: wc.Verb, Args: wc.Args})
		}
		cmds = append(cmds, workerconn.Command{Verb: "EXEC"})
		replies, err := w.Pipeline(cmds)
		if err != nil {
			return nil, err
		}
		execIdx := len(replies) - 1
		return [2]interface{}{extra, replies[execIdx]}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	pair := result.([2]interface{})
	return pair[0], pair[1], nil
}
