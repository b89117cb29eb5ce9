package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/galdor/go-grid/pkg/raft"
	"github.com/google/uuid"
)

// The number of request ids remembered to discard resubmitted commands.
// Whether a command is applied depends on the window, so it is the same on
// every endpoint and is not configurable.
const DeduplicationWindow = 4096

type pendingRequests struct {
	waiters map[uuid.UUID]chan OpResult
	mu      sync.Mutex
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{
		waiters: make(map[uuid.UUID]chan OpResult),
	}
}

func (r *pendingRequests) add(id uuid.UUID) <-chan OpResult {
	c := make(chan OpResult, 1)

	r.mu.Lock()
	r.waiters[id] = c
	r.mu.Unlock()

	return c
}

func (r *pendingRequests) remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

func (r *pendingRequests) resolve(id uuid.UUID, res OpResult) {
	r.mu.Lock()
	c, found := r.waiters[id]
	delete(r.waiters, id)
	r.mu.Unlock()

	if found {
		c <- res
	}
}

func (r *pendingRequests) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.waiters)
}

// requestWindow is a fixed size set of the most recently applied request
// ids.
type requestWindow struct {
	ids  map[uuid.UUID]struct{}
	ring []uuid.UUID
	next int
}

func newRequestWindow(size int) *requestWindow {
	return &requestWindow{
		ids:  make(map[uuid.UUID]struct{}, size),
		ring: make([]uuid.UUID, size),
	}
}

func (w *requestWindow) contains(id uuid.UUID) bool {
	_, found := w.ids[id]
	return found
}

func (w *requestWindow) add(id uuid.UUID) {
	if old := w.ring[w.next]; old != uuid.Nil {
		delete(w.ids, old)
	}

	w.ring[w.next] = id
	w.ids[id] = struct{}{}

	w.next = (w.next + 1) % len(w.ring)
}

// submit appends an op to the log and waits until it has been applied
// locally. The command is resubmitted with the same request id until it is
// applied, the request times out or the grid is stopped.
func (g *Grid) submit(ctx context.Context, op Op) (OpResult, error) {
	cmd := Command{
		RequestId: uuid.New(),
		SourceId:  g.Cfg.Id,
		Op:        op,
	}

	data, err := EncodeCommand(&cmd)
	if err != nil {
		return OpResult{}, fmt.Errorf("cannot encode command: %w", err)
	}

	resultChan := g.requests.add(cmd.RequestId)
	defer g.requests.remove(cmd.RequestId)

	reqCtx, cancel := context.WithTimeout(ctx, g.Cfg.RequestTimeout)
	defer cancel()

	g.Log.Debug(2, "submitting %s request %s", op.Name(), cmd.RequestId)

	for {
		delay := g.Cfg.ResubmitInterval

		err := g.server.Submit(reqCtx, data)

		var connErr *raft.ConnectivityError

		switch {
		case err == nil, reqCtx.Err() != nil:
			// Wait for the command to be applied
		case errors.Is(err, raft.ErrNotLeader), errors.As(err, &connErr):
			g.Log.Debug(1, "cannot submit %s request %s: %v",
				op.Name(), cmd.RequestId, err)
			delay = g.Cfg.HeartbeatInterval * 2

		case errors.Is(err, raft.ErrStopped):
			return OpResult{}, ErrStopped

		default:
			return OpResult{}, fmt.Errorf("cannot submit command: %w", err)
		}

		timer := time.NewTimer(delay)

		select {
		case res := <-resultChan:
			timer.Stop()
			return res, nil

		case <-g.stopChan:
			timer.Stop()
			return OpResult{}, ErrStopped

		case <-reqCtx.Done():
			timer.Stop()

			if err := ctx.Err(); err != nil {
				return OpResult{}, err
			}

			return OpResult{}, fmt.Errorf("%s request %s not applied after %v: %w",
				op.Name(), cmd.RequestId, g.Cfg.RequestTimeout,
				ErrQuorumUnavailable)

		case <-timer.C:
			g.Log.Debug(1, "resubmitting %s request %s",
				op.Name(), cmd.RequestId)
		}
	}
}
