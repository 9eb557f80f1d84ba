package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/swarmauri/peagen/internal/graph"
	"github.com/swarmauri/peagen/internal/ir"
)

// TemplateRenderer renders Go text/template files found in a list of
// template-set directories. The first directory holding the template wins.
//
// The record context is exposed as the template's dot, so a template reads
// {{.PROJ.NAME}}, {{.PKG.NAME}}, {{.MOD.NAME}} and {{.FILE.RENDERED_FILE_NAME}}.
// A missing key is an error.
type TemplateRenderer struct {
	dirs []string

	mu    sync.Mutex
	cache map[string]*template.Template
}

// NewTemplateRenderer returns a renderer searching dirs in order.
func NewTemplateRenderer(dirs ...string) *TemplateRenderer {
	return &TemplateRenderer{
		dirs:  dirs,
		cache: make(map[string]*template.Template),
	}
}

// Render executes req.Template against req.Context.
func (r *TemplateRenderer) Render(ctx context.Context, req RenderRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tmpl, err := r.load(req.Template)
	if err != nil {
		return nil, &RenderError{Path: req.Path, Template: req.Template, Err: err}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ir.ToAny(req.Context)); err != nil {
		return nil, &RenderError{Path: req.Path, Template: req.Template, Err: err}
	}
	return buf.Bytes(), nil
}

func (r *TemplateRenderer) load(name string) (*template.Template, error) {
	if name == "" {
		return nil, errors.New("no template")
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("template %q escapes the template directories", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[clean]; ok {
		return t, nil
	}

	for _, dir := range r.dirs {
		src, err := os.ReadFile(filepath.Join(dir, clean))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		t, err := template.New(filepath.Base(clean)).
			Option("missingkey=error").
			Funcs(templateFuncs).
			Parse(string(src))
		if err != nil {
			return nil, err
		}
		r.cache[clean] = t
		return t, nil
	}
	return nil, fmt.Errorf("template %s not found in %v: %w", name, r.dirs, fs.ErrNotExist)
}

var templateFuncs = template.FuncMap{
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"snake": graph.SnakeCase,
	"join": func(sep string, items []any) string {
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = fmt.Sprint(it)
		}
		return strings.Join(parts, sep)
	},
	"json": func(v any) (string, error) {
		b, err := ir.MarshalCanonical(v)
		if err != nil {
			return "", err
		}
		return string(b), nil
	},
}
