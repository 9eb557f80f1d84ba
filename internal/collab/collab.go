// Package collab defines the external collaborators the engine dispatches
// file records to, and their default implementations.
//
// Each process type maps to one collaborator:
//
//	copy     -> Renderer.Render
//	generate -> Renderer.Render (prompt) then Generator.Generate
//	script   -> ScriptRunner.Run
//
// Implementations must be safe for concurrent use; the engine calls them
// from its worker pool.
package collab

import (
	"context"
	"fmt"

	"github.com/swarmauri/peagen/internal/ir"
)

// RenderRequest asks for a template rendered with a record context.
type RenderRequest struct {
	Path     string
	Template string
	Context  ir.IRObject
}

// GenerateRequest asks the content generator for a file's bytes.
// Dependencies maps each direct prerequisite's path to its output.
type GenerateRequest struct {
	Path         string
	Prompt       string
	Context      ir.IRObject
	Dependencies map[string][]byte
}

// ScriptRequest asks for a script run with a record context.
type ScriptRequest struct {
	Path    string
	Script  string
	Context ir.IRObject
}

// Renderer renders templates.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) ([]byte, error)
}

// Generator produces content, typically by calling a model endpoint.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) ([]byte, error)
}

// ScriptRunner runs scripts and returns their output.
type ScriptRunner interface {
	Run(ctx context.Context, req ScriptRequest) ([]byte, error)
}

// RenderError reports a template that could not be loaded or executed.
type RenderError struct {
	Path     string
	Template string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s (template %s): %v", e.Path, e.Template, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// GenerationError reports a failed content generation. StatusCode is set
// when the generator answered with a non-2xx HTTP status.
type GenerationError struct {
	Path       string
	StatusCode int
	Err        error
}

func (e *GenerationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("generate %s: status %d: %v", e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("generate %s: %v", e.Path, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ScriptError reports a script that failed to start or exited non-zero.
type ScriptError struct {
	Path     string
	Script   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ScriptError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("script for %s exited %d: %v: %s", e.Path, e.ExitCode, e.Err, e.Stderr)
	}
	return fmt.Sprintf("script for %s exited %d: %v", e.Path, e.ExitCode, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }
