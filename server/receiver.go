package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/hotfix/patch"
)

var log = commonlog.GetLogger("hotfix.server")

// Receiver implements the patch receiver operations on top of a worker
// and an optional archive. Transport adapters translate its errors,
// which are *connect.Error values.
type Receiver struct {
	worker *Worker
	store  *patch.Store
}

// NewReceiver creates a Receiver. A nil store disables persistence.
func NewReceiver(worker *Worker, store *patch.Store) *Receiver {
	return &Receiver{worker: worker, store: store}
}

func info(p *patch.Patch) PatchInfo {
	return PatchInfo{
		ID:        p.ID.String(),
		Target:    p.Target,
		Methods:   len(p.Payload.Methods),
		Redirects: p.Redirects(),
		LoadedAt:  p.LoadedAt.UnixNano(),
		Stats:     p.Machine.Statistics(),
	}
}

// loadError maps a load failure to a status code.
func loadError(err error) error {
	var le *patch.LinkError
	switch {
	case errors.As(err, &le):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, patch.ErrBadMagic), errors.Is(err, patch.ErrUnexpectedEOF), errors.Is(err, patch.ErrCorrupt):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, ErrStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeCanceled, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

// Load decodes, links and installs a payload. Payloads that load are
// archived when persistence was requested.
func (r *Receiver) Load(ctx context.Context, req *LoadRequest) (*LoadResponse, error) {
	if len(req.Payload) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("payload is required"))
	}
	p, err := patch.DecodeBytes(req.Payload)
	if err != nil {
		log.Warningf("rejected payload: %s", err)
		return nil, loadError(err)
	}

	v, err := r.worker.Do(ctx, func(m *patch.Manager) (any, error) {
		_, replaced := m.Get(p.Target)
		loaded, err := m.LoadPayload(p)
		if err != nil {
			return nil, err
		}
		resp := &LoadResponse{Patch: info(loaded), Replaced: replaced}
		if req.Persist && r.store != nil {
			if _, err := r.store.Put(ctx, p.Target, req.Payload); err != nil {
				log.Errorf("archiving patch for %q: %s", p.Target, err)
			} else {
				resp.Archived = true
			}
		}
		return resp, nil
	})
	if err != nil {
		log.Warningf("loading patch for %q: %s", p.Target, err)
		return nil, loadError(err)
	}
	return v.(*LoadResponse), nil
}

// Unload removes the patch loaded for a target.
func (r *Receiver) Unload(ctx context.Context, req *UnloadRequest) (*UnloadResponse, error) {
	if req.Target == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("target is required"))
	}
	v, err := r.worker.Do(ctx, func(m *patch.Manager) (any, error) {
		resp := &UnloadResponse{Unloaded: m.Unload(req.Target)}
		if req.Forget && r.store != nil {
			n, err := r.store.Delete(ctx, req.Target)
			if err != nil {
				return nil, err
			}
			resp.Deleted = n
		}
		return resp, nil
	})
	if err != nil {
		return nil, loadError(err)
	}
	resp := v.(*UnloadResponse)
	if !resp.Unloaded && resp.Deleted == 0 {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("no patch loaded for %q", req.Target))
	}
	return resp, nil
}

// List describes the loaded patches.
func (r *Receiver) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	loaded := r.worker.Manager().Loaded()
	resp := &ListResponse{Patches: make([]PatchInfo, len(loaded))}
	for i, p := range loaded {
		resp.Patches[i] = info(p)
	}
	return resp, nil
}

// Restore loads the archived patches through the worker.
func (r *Receiver) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	v, err := r.worker.Do(ctx, func(m *patch.Manager) (any, error) {
		return r.store.Restore(ctx, m)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}
