package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/swarmauri/peagen/internal/artifact"
	"github.com/swarmauri/peagen/internal/collab"
	"github.com/swarmauri/peagen/internal/ir"
	"github.com/swarmauri/peagen/internal/ledger"
	"github.com/swarmauri/peagen/internal/store"
)

// job is one dispatched record. deps holds the outputs of direct
// prerequisites completed by this run; the rest are read back from the
// artifact store.
type job struct {
	rec      ir.FileRecord
	slot     int
	workerID string
	deps     map[string][]byte
	depPaths []string
}

// work runs on a pool goroutine. It produces the record's bytes, commits
// them and reports the outcome as an event. It touches no scheduler state.
func (r *run) work(ctx context.Context, j job) Event {
	ev := Event{Path: j.rec.Path, Slot: j.slot}

	out, err := r.produce(ctx, j)
	if err == nil {
		var c commitResult
		c, err = r.commit(ctx, j, out)
		ev.RevisionHash = c.revision
		ev.Unchanged = c.unchanged
		ev.Drifted = c.drifted
	}
	if err != nil {
		ev.Type = EventFailed
		ev.Err = &DispatchError{
			Path:        j.rec.Path,
			ProcessType: j.rec.ProcessType,
			WorkerID:    j.workerID,
			Err:         err,
		}
		return ev
	}

	ev.Type = EventCompleted
	ev.Output = out
	return ev
}

// produce dispatches the record to the collaborator for its process type.
func (r *run) produce(ctx context.Context, j job) ([]byte, error) {
	if t := r.e.cfg.DispatchTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	c := r.e.collab
	rec := j.rec
	switch rec.ProcessType {
	case ir.ProcessCopy:
		if c.Renderer == nil {
			return nil, errors.New("no template renderer configured")
		}
		return c.Renderer.Render(ctx, collab.RenderRequest{
			Path:     rec.Path,
			Template: rec.TemplateRef,
			Context:  rec.Context,
		})

	case ir.ProcessGenerate:
		if c.Renderer == nil {
			return nil, errors.New("no template renderer configured")
		}
		if c.Generator == nil {
			return nil, errors.New("no content generator configured")
		}
		deps, err := r.dependencyOutputs(ctx, j)
		if err != nil {
			return nil, err
		}
		prompt, err := c.Renderer.Render(ctx, collab.RenderRequest{
			Path:     rec.Path,
			Template: rec.PromptTemplate,
			Context:  rec.Context,
		})
		if err != nil {
			return nil, fmt.Errorf("render prompt: %w", err)
		}
		return c.Generator.Generate(ctx, collab.GenerateRequest{
			Path:         rec.Path,
			Prompt:       string(prompt),
			Context:      rec.Context,
			Dependencies: deps,
		})

	case ir.ProcessScript:
		if c.Scripts == nil {
			return nil, errors.New("no script runner configured")
		}
		return c.Scripts.Run(ctx, collab.ScriptRequest{
			Path:    rec.Path,
			Script:  rec.Script,
			Context: rec.Context,
		})

	default:
		return nil, fmt.Errorf("unknown process type %q", rec.ProcessType)
	}
}

func (r *run) dependencyOutputs(ctx context.Context, j job) (map[string][]byte, error) {
	out := make(map[string][]byte, len(j.depPaths))
	for _, d := range j.depPaths {
		if data, ok := j.deps[d]; ok {
			out[d] = data
			continue
		}
		data, err := r.e.artifacts.Get(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("dependency output %s: %w", d, err)
		}
		out[d] = data
	}
	return out, nil
}

// commit stores the output and records its provenance: artifact, revision
// chained onto the path's head, this worker's edge, the open provenance
// record and the head. Returns the revision hash. Fanout roots are set
// once the run ends and no more edges can arrive.
//
// Identical bytes with identical history share one revision, and every
// record of the run that produced it adds an edge. A revision finalized by
// an earlier run is adopted: this record adds its path without an edge.
func (r *run) commit(ctx context.Context, j job, out []byte) (commitResult, error) {
	ctx = context.WithoutCancel(ctx)
	path := j.rec.Path

	var res commitResult
	drifted, err := r.checkDrift(ctx, path)
	if err != nil {
		return res, err
	}
	res.drifted = drifted

	changed, err := r.e.artifacts.Put(ctx, path, out)
	if err != nil {
		return res, err
	}
	res.unchanged = !changed

	payload, err := ir.PayloadHash(out)
	if err != nil {
		return res, err
	}
	parent, _ := r.led.Head(path)

	candidate, err := ir.RevisionHash(parent, payload)
	if err != nil {
		return res, err
	}
	if !r.led.Has(candidate) {
		prev, err := r.e.store.LoadRevision(ctx, candidate)
		switch {
		case err == nil:
			if err := r.led.Seed(prev); err != nil {
				return res, err
			}
		case !errors.Is(err, store.ErrNotFound):
			return res, err
		}
	}

	rev, err := r.led.RecordRevision(parent, payload, path)
	if err != nil {
		return res, err
	}
	if _, err := r.led.RecordEdge(rev, payload, j.workerID); err != nil {
		if !errors.Is(err, ledger.ErrRevisionClosed) {
			return res, err
		}
		r.logger.Debug("adopting finalized revision", "path", path, "revision", shortHash(rev))
	}

	rec, ok := r.led.Record(rev)
	if !ok {
		return res, fmt.Errorf("revision %s: %w", rev, ledger.ErrUnknownRevision)
	}
	if err := r.e.store.WriteProvenance(ctx, rec); err != nil {
		return res, err
	}
	if err := r.e.store.SetHead(ctx, path, rev, artifact.Fingerprint(out), r.e.cfg.Now()); err != nil {
		return res, err
	}
	res.revision = rev
	return res, nil
}

type commitResult struct {
	revision  string
	unchanged bool
	drifted   bool
}

// checkDrift reports whether the artifact at path no longer matches the
// fingerprint stored with its head, meaning it was edited after the
// previous run wrote it. A missing artifact is not drift.
func (r *run) checkDrift(ctx context.Context, path string) (bool, error) {
	stored, ok := r.fingerprints[path]
	if !ok {
		return false, nil
	}
	current, err := r.e.artifacts.Fingerprint(ctx, path)
	if errors.Is(err, artifact.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current == stored {
		return false, nil
	}
	r.logger.Warn("artifact edited since last run, overwriting",
		"path", path,
		"stored", stored,
		"found", current,
	)
	return true, nil
}
