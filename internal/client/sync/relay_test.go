package sync

import (
	"context"
	"errors"
	"sync"

	"github.com/iudanet/ledgerkeeper/internal/syncerr"
	"github.com/iudanet/ledgerkeeper/pkg/api"
)

// fakeRelay in-memory relay: хранит конверты в порядке приема и
// подтверждает повторную отправку как duplicate.
type fakeRelay struct {
	acks         map[string]map[string]int64
	byID         map[string]bool
	changes      []api.Envelope
	pushFailures int
	pushCalls    int
	pullCalls    int
	mu           sync.Mutex
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{byID: make(map[string]bool)}
}

var errConnRefused = errors.New("connection refused")

func (r *fakeRelay) Push(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pushCalls++
	if r.pushFailures > 0 {
		r.pushFailures--
		return nil, syncerr.Transport("push", errConnRefused)
	}

	resp := &api.PushResponse{}
	for _, env := range req.Changes {
		if r.byID[env.ChangeID] {
			resp.Acks = append(resp.Acks, api.Ack{ChangeID: env.ChangeID, Status: api.AckDuplicate})
			continue
		}
		r.byID[env.ChangeID] = true
		env.RelaySeq = int64(len(r.changes) + 1)
		r.changes = append(r.changes, env)
		resp.Acks = append(resp.Acks, api.Ack{ChangeID: env.ChangeID, Status: api.AckAccepted})
	}
	resp.Changes, resp.NewCursor, _ = r.since(req.SinceCursor, 0)
	return resp, nil
}

func (r *fakeRelay) Pull(ctx context.Context, req api.PullRequest) (*api.PullResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pullCalls++
	changes, cursor, more := r.since(req.SinceCursor, req.Limit)
	return &api.PullResponse{
		Changes:          changes,
		NewCursor:        cursor,
		HasMore:          more,
		Acknowledgements: r.acks,
	}, nil
}

func (r *fakeRelay) since(cursor int64, limit int) ([]api.Envelope, int64, bool) {
	var out []api.Envelope
	for _, env := range r.changes {
		if env.RelaySeq <= cursor {
			continue
		}
		if limit > 0 && len(out) == limit {
			return out, cursor, true
		}
		out = append(out, env)
		cursor = env.RelaySeq
	}
	return out, cursor, false
}

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

// transportFunc транспорт из функций для отдельных сценариев
type transportFunc struct {
	push func(ctx context.Context, req api.PushRequest) (*api.PushResponse, error)
	pull func(ctx context.Context, req api.PullRequest) (*api.PullResponse, error)
}

func (f *transportFunc) Push(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
	if f.push == nil {
		return &api.PushResponse{}, nil
	}
	return f.push(ctx, req)
}

func (f *transportFunc) Pull(ctx context.Context, req api.PullRequest) (*api.PullResponse, error) {
	if f.pull == nil {
		return &api.PullResponse{NewCursor: req.SinceCursor}, nil
	}
	return f.pull(ctx, req)
}
