package collab

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/swarmauri/peagen/internal/ir"
)

// Fake is an in-memory Renderer, Generator and ScriptRunner with
// deterministic output. The scenario harness and engine tests use it.
//
// Output for a record is Outputs[path] when set, otherwise a line naming
// the process and path followed by one line per dependency output, so a
// generated file's bytes change whenever a prerequisite's bytes change.
type Fake struct {
	Outputs map[string][]byte
	// Fail makes the call for a path return the error.
	Fail map[string]error
	// Delay is applied to every call, honouring cancellation.
	Delay time.Duration
	// Block makes calls for these paths wait until the context is done.
	Block map[string]bool

	mu       sync.Mutex
	calls    []string
	inflight int
	peak     int
}

// NewFake returns a Fake with no canned outputs or failures.
func NewFake() *Fake {
	return &Fake{
		Outputs: make(map[string][]byte),
		Fail:    make(map[string]error),
		Block:   make(map[string]bool),
	}
}

func (f *Fake) Render(ctx context.Context, req RenderRequest) ([]byte, error) {
	out, err := f.call(ctx, "render", req.Path, nil)
	if err != nil {
		return nil, &RenderError{Path: req.Path, Template: req.Template, Err: err}
	}
	return out, nil
}

func (f *Fake) Generate(ctx context.Context, req GenerateRequest) ([]byte, error) {
	out, err := f.call(ctx, "generate", req.Path, req.Dependencies)
	if err != nil {
		return nil, &GenerationError{Path: req.Path, Err: err}
	}
	return out, nil
}

func (f *Fake) Run(ctx context.Context, req ScriptRequest) ([]byte, error) {
	out, err := f.call(ctx, "script", req.Path, nil)
	if err != nil {
		return nil, &ScriptError{Path: req.Path, Script: req.Script, ExitCode: 1, Err: err}
	}
	return out, nil
}

// Calls returns "kind:path" for every call, in call order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Paths returns the paths called, in call order.
func (f *Fake) Paths() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		_, p, _ := strings.Cut(c, ":")
		out[i] = p
	}
	return out
}

// PeakConcurrency returns the largest number of simultaneous calls seen.
func (f *Fake) PeakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *Fake) call(ctx context.Context, kind, path string, deps map[string][]byte) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, kind+":"+path)
	f.inflight++
	if f.inflight > f.peak {
		f.peak = f.inflight
	}
	failErr := f.Fail[path]
	canned, hasCanned := f.Outputs[path]
	block := f.Block[path]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	if hasCanned {
		return slices.Clone(canned), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", kind, path)
	names := make([]string, 0, len(deps))
	for p := range deps {
		names = append(names, p)
	}
	sort.Strings(names)
	for _, p := range names {
		fmt.Fprintf(&b, "dep %s %s\n", p, ir.MustPayloadHash(string(deps[p])))
	}
	return []byte(b.String()), nil
}
