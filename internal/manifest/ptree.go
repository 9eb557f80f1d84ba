package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/swarmauri/peagen/internal/collab"
	"github.com/swarmauri/peagen/internal/ir"
)

// PtreeTemplate is the file, inside a template set, that renders a
// package's file records.
const PtreeTemplate = "ptree.yaml"

// DefaultTemplateSet is used when neither package nor project names one.
const DefaultTemplateSet = "default"

const (
	keyTemplateSet         = "TEMPLATE_SET"
	keyTemplateSetOverride = "TEMPLATE_SET_OVERRIDE"
	keyPkgs                = "PKGS"
)

// expandPackages renders the ptree.yaml of every package of proj. It does
// nothing without template directories.
func (l Loader) expandPackages(ctx context.Context, name string, proj ir.IRObject) ([]ir.FileRecord, error) {
	if len(l.TemplateDirs) == 0 {
		return nil, nil
	}
	pkgs, ok := proj[keyPackages].(ir.IRArray)
	if !ok {
		return nil, nil
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	projCtx := projectContext(proj)
	var out []ir.FileRecord
	for i, p := range pkgs {
		pkg, ok := p.(ir.IRObject)
		if !ok {
			return nil, &Error{Project: name, Index: -1, Msg: fmt.Sprintf("%s[%d] must be a mapping", keyPackages, i)}
		}
		records, err := l.expandPackage(ctx, name, projCtx, pkg, logger)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	return out, nil
}

func (l Loader) expandPackage(ctx context.Context, name string, projCtx, pkg ir.IRObject, logger *slog.Logger) ([]ir.FileRecord, error) {
	pkgName := stringField(pkg, keyName)
	fail := func(format string, args ...any) error {
		return &Error{Project: name, Package: pkgName, Index: -1, Msg: fmt.Sprintf(format, args...)}
	}

	explicit := firstNonEmpty(
		stringField(pkg, keyTemplateSetOverride),
		stringField(pkg, keyTemplateSet),
		stringField(projCtx, keyTemplateSet),
	)
	setName := firstNonEmpty(explicit, DefaultTemplateSet)
	setDir, err := l.locateTemplateSet(setName)
	if err != nil {
		// A package that names no set and has no default set available
		// only feeds record contexts.
		if explicit == "" {
			logger.Debug("no default template set, package not expanded", "project", name, "package", pkgName)
			return nil, nil
		}
		return nil, fail("%v", err)
	}
	if _, err := os.Stat(filepath.Join(setDir, PtreeTemplate)); errors.Is(err, os.ErrNotExist) {
		logger.Warn("template set has no ptree, skipping package",
			"project", name,
			"package", pkgName,
			"template_set", setDir,
		)
		return nil, nil
	}

	// The ptree sees the project with this package as its only PKGS entry.
	pkgCtx := pkg.Clone()
	withExtras(pkgCtx)
	renderCtx := projCtx.Clone()
	renderCtx[keyPkgs] = ir.IRArray{pkgCtx}

	rendered, err := collab.NewTemplateRenderer(setDir).Render(ctx, collab.RenderRequest{
		Path:     pkgName,
		Template: PtreeTemplate,
		Context:  ir.IRObject{"PROJ": renderCtx},
	})
	if err != nil {
		return nil, fail("%v", err)
	}

	files, err := decodePtree(rendered)
	if err != nil {
		return nil, fail("%s: %v", PtreeTemplate, err)
	}
	for _, f := range files {
		obj, ok := f.(ir.IRObject)
		if !ok {
			continue
		}
		obj[keyTemplateSet] = ir.IRString(setDir)
		if stringField(obj, keyPackageName) == "" && pkgName != "" {
			obj[keyPackageName] = ir.IRString(pkgName)
		}
		for _, key := range []string{keyTemplate, keyPromptTemplate} {
			if ref := stringField(obj, key); ref != "" {
				obj[key] = ir.IRString(setTemplateRef(setDir, setName, ref))
			}
		}
	}

	records, err := fileRecords(name, projCtx, files, 0)
	if err != nil {
		var merr *Error
		if errors.As(err, &merr) {
			merr.Package = pkgName
		}
		return nil, err
	}
	return records, nil
}

// locateTemplateSet returns the first template directory holding a
// directory named set.
func (l Loader) locateTemplateSet(set string) (string, error) {
	for _, dir := range l.TemplateDirs {
		cand := filepath.Join(dir, filepath.FromSlash(set))
		if info, err := os.Stat(cand); err == nil && info.IsDir() {
			return cand, nil
		}
	}
	return "", fmt.Errorf("template set %q not found in %v", set, l.TemplateDirs)
}

// decodePtree reads a rendered ptree: either a mapping with FILES or a bare
// list of records.
func decodePtree(data []byte) (ir.IRArray, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	var list any
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []any:
		list = v
	case map[string]any:
		list = v[keyFiles]
	default:
		return nil, fmt.Errorf("expected a mapping or list, got %T", raw)
	}
	if list == nil {
		return nil, nil
	}
	value, err := ir.FromAny(list)
	if err != nil {
		return nil, err
	}
	arr, ok := value.(ir.IRArray)
	if !ok {
		return nil, fmt.Errorf("%s must be a list", keyFiles)
	}
	return arr, nil
}

// setTemplateRef points ref into the template set when the set holds it,
// so the renderer finds the set's copy before any other. The renderer
// searches the same directories the set was found in.
func setTemplateRef(setDir, setName, ref string) string {
	if _, err := os.Stat(filepath.Join(setDir, filepath.FromSlash(ref))); err != nil {
		return ref
	}
	return path.Join(setName, ref)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
