// Package manifest loads file records from a projects payload.
//
// A payload is YAML (or JSON) or CUE. Its top level is one of:
//
//	PROJECTS: [ {NAME, PACKAGES, FILES, ...}, ... ]
//	[ {NAME, FILES, ...}, ... ]
//	{NAME, FILES, ...}
//
// Each FILES entry is a record with RENDERED_FILE_NAME (required),
// FILE_NAME (template), PROCESS_TYPE, EXTRAS.DEPENDENCIES, PROJECT_NAME,
// PACKAGE_NAME, MODULE_NAME, SCRIPT and AGENT_PROMPT_TEMPLATE. Other keys
// are kept and reach templates through the FILE context entry.
//
// A Loader with template directories also expands PACKAGES: each package
// renders the ptree.yaml of its template set into more FILES entries.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/swarmauri/peagen/internal/ir"
)

// DefaultPromptTemplate is the prompt template of generate records that
// name none.
const DefaultPromptTemplate = "agent_default.tmpl"

// Payload keys.
const (
	keyProjects       = "PROJECTS"
	keyName           = "NAME"
	keyFiles          = "FILES"
	keyPackages       = "PACKAGES"
	keyModules        = "MODULES"
	keyExtras         = "EXTRAS"
	keyDependencies   = "DEPENDENCIES"
	keyRenderedName   = "RENDERED_FILE_NAME"
	keyTemplate       = "FILE_NAME"
	keyProcessType    = "PROCESS_TYPE"
	keyProjectName    = "PROJECT_NAME"
	keyPackageName    = "PACKAGE_NAME"
	keyModuleName     = "MODULE_NAME"
	keyScript         = "SCRIPT"
	keyPromptTemplate = "AGENT_PROMPT_TEMPLATE"
)

// Error reports an invalid payload entry. Project and Index locate the
// record when known (Index is -1 for project-level problems). Package is
// set for records expanded from a package's ptree.
type Error struct {
	Source  string
	Project string
	Package string
	Index   int
	Msg     string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Source != "" {
		b.WriteString(e.Source)
		b.WriteString(": ")
	}
	if e.Project != "" {
		fmt.Fprintf(&b, "project %s: ", e.Project)
	}
	if e.Package != "" {
		fmt.Fprintf(&b, "package %s: ", e.Package)
	}
	if e.Index >= 0 {
		fmt.Fprintf(&b, "FILES[%d]: ", e.Index)
	}
	b.WriteString(e.Msg)
	return b.String()
}

// Loader turns payloads into record sets.
//
// The zero Loader reads FILES only; PACKAGES entries then just feed record
// contexts.
type Loader struct {
	// TemplateDirs are searched, in order, for template-set directories.
	// When set, every package is expanded through its set's ptree.yaml.
	TemplateDirs []string

	// Logger reports skipped packages. Nil means slog.Default().
	Logger *slog.Logger
}

// Load reads a payload file with the zero Loader.
func Load(path string) (ir.RecordSet, error) {
	return Loader{}.Load(context.Background(), path)
}

// ParseYAML parses a YAML or JSON payload with the zero Loader.
func ParseYAML(data []byte) (ir.RecordSet, error) {
	return Loader{}.ParseYAML(context.Background(), data)
}

// FromPayload converts a decoded payload with the zero Loader.
func FromPayload(raw any) (ir.RecordSet, error) {
	return Loader{}.FromPayload(context.Background(), raw)
}

// Load reads a payload file. Files ending in .cue, and directories, are
// loaded as CUE; anything else is parsed as YAML, which includes JSON.
func (l Loader) Load(ctx context.Context, path string) (ir.RecordSet, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ir.RecordSet{}, fmt.Errorf("load manifest: %w", err)
	}
	if info.IsDir() || strings.EqualFold(filepath.Ext(path), ".cue") {
		return l.LoadCUE(ctx, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ir.RecordSet{}, fmt.Errorf("load manifest: %w", err)
	}
	rs, err := l.ParseYAML(ctx, data)
	if err != nil {
		return ir.RecordSet{}, withSource(err, path)
	}
	return rs, nil
}

// ParseYAML parses a YAML or JSON payload.
func (l Loader) ParseYAML(ctx context.Context, data []byte) (ir.RecordSet, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return ir.RecordSet{}, fmt.Errorf("parse manifest: %w", err)
	}
	return l.FromPayload(ctx, raw)
}

// FromPayload converts a decoded payload into a record set. Explicit FILES
// come first, then the expanded packages in payload order.
func (l Loader) FromPayload(ctx context.Context, raw any) (ir.RecordSet, error) {
	projects, err := projectList(raw)
	if err != nil {
		return ir.RecordSet{}, err
	}

	var rs ir.RecordSet
	for i, p := range projects {
		proj, err := ir.ObjectFromAny(p)
		if err != nil {
			return ir.RecordSet{}, &Error{Index: -1, Msg: fmt.Sprintf("PROJECTS[%d]: %v", i, err)}
		}
		name := stringField(proj, keyName)
		if name == "" {
			name = fmt.Sprintf("project-%d", i)
		}
		records, err := projectRecords(name, proj)
		if err != nil {
			return ir.RecordSet{}, err
		}
		expanded, err := l.expandPackages(ctx, name, proj)
		if err != nil {
			return ir.RecordSet{}, err
		}
		rs.Projects = append(rs.Projects, name)
		rs.Records = append(rs.Records, records...)
		rs.Records = append(rs.Records, expanded...)
	}
	return rs, nil
}

func projectList(raw any) ([]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, errors.New("manifest is empty")
	case []any:
		return v, nil
	case map[string]any:
		if projects, ok := v[keyProjects]; ok {
			list, ok := projects.([]any)
			if !ok {
				return nil, fmt.Errorf("%s must be a list, got %T", keyProjects, projects)
			}
			return list, nil
		}
		if _, ok := v[keyFiles]; ok {
			return []any{v}, nil
		}
		return nil, fmt.Errorf("manifest has neither %s nor %s", keyProjects, keyFiles)
	default:
		return nil, fmt.Errorf("manifest top level must be a mapping or list, got %T", raw)
	}
}

func projectRecords(name string, proj ir.IRObject) ([]ir.FileRecord, error) {
	filesVal, ok := proj[keyFiles]
	if !ok {
		return nil, nil
	}
	files, ok := filesVal.(ir.IRArray)
	if !ok {
		return nil, &Error{Project: name, Index: -1, Msg: fmt.Sprintf("%s must be a list", keyFiles)}
	}
	return fileRecords(name, projectContext(proj), files, 0)
}

// projectContext is the project as templates see it: without its file
// list, with an EXTRAS mapping.
func projectContext(proj ir.IRObject) ir.IRObject {
	projCtx := proj.Clone()
	delete(projCtx, keyFiles)
	withExtras(projCtx)
	return projCtx
}

// fileRecords builds one record per FILES entry. offset shifts the index
// reported in errors.
func fileRecords(name string, projCtx ir.IRObject, files ir.IRArray, offset int) ([]ir.FileRecord, error) {
	records := make([]ir.FileRecord, 0, len(files))
	for i, f := range files {
		obj, ok := f.(ir.IRObject)
		if !ok {
			return nil, &Error{Project: name, Index: offset + i, Msg: "record must be a mapping"}
		}
		rec, err := buildRecord(name, projCtx, obj)
		if err != nil {
			return nil, &Error{Project: name, Index: offset + i, Msg: err.Error()}
		}
		records = append(records, rec)
	}
	return records, nil
}

func buildRecord(project string, projCtx, file ir.IRObject) (ir.FileRecord, error) {
	path := stringField(file, keyRenderedName)
	if path == "" {
		return ir.FileRecord{}, fmt.Errorf("%s is required", keyRenderedName)
	}
	pt, err := ir.ParseProcessType(stringField(file, keyProcessType))
	if err != nil {
		return ir.FileRecord{}, err
	}
	deps, err := dependencies(file)
	if err != nil {
		return ir.FileRecord{}, err
	}

	rec := ir.FileRecord{
		Path:         path,
		ProcessType:  pt,
		TemplateRef:  stringField(file, keyTemplate),
		Dependencies: deps,
		Project:      project,
		Package:      stringField(file, keyPackageName),
		Module:       stringField(file, keyModuleName),
		Script:       stringField(file, keyScript),
	}
	if pt == ir.ProcessGenerate {
		rec.PromptTemplate = stringField(file, keyPromptTemplate)
		if rec.PromptTemplate == "" {
			rec.PromptTemplate = DefaultPromptTemplate
		}
	}
	if pt == ir.ProcessScript && strings.TrimSpace(rec.Script) == "" {
		return ir.FileRecord{}, fmt.Errorf("%s record %s has no %s", pt, path, keyScript)
	}
	rec.Context = recordContext(projCtx, file)
	return rec, nil
}

// recordContext lays out the render context: PROJ, PKG and MOD are the
// project, package and module entries the record names, each with an
// EXTRAS mapping; FILE is the record itself.
func recordContext(projCtx, file ir.IRObject) ir.IRObject {
	ctx := ir.IRObject{"FILE": file.Clone()}

	if stringField(file, keyProjectName) != "" {
		ctx["PROJ"] = projCtx.Clone()
	}

	pkgName := stringField(file, keyPackageName)
	if pkgName == "" {
		return ctx
	}
	pkg := findNamed(projCtx[keyPackages], pkgName)
	if pkg == nil {
		return ctx
	}
	pkg = pkg.Clone()
	withExtras(pkg)
	ctx["PKG"] = pkg

	if modName := stringField(file, keyModuleName); modName != "" {
		if mod := findNamed(pkg[keyModules], modName); mod != nil {
			mod = mod.Clone()
			withExtras(mod)
			ctx["MOD"] = mod
		}
	}
	return ctx
}

func dependencies(file ir.IRObject) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	add := func(v ir.IRValue, where string) error {
		if v == nil {
			return nil
		}
		if _, isNull := v.(ir.IRNull); isNull {
			return nil
		}
		list, ok := v.(ir.IRArray)
		if !ok {
			return fmt.Errorf("%s must be a list", where)
		}
		for i, item := range list {
			s, ok := item.(ir.IRString)
			if !ok {
				return fmt.Errorf("%s[%d] must be a string", where, i)
			}
			ref := strings.TrimSpace(string(s))
			if ref == "" {
				continue
			}
			if _, dup := seen[ref]; dup {
				continue
			}
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
		return nil
	}

	if extras, ok := file[keyExtras].(ir.IRObject); ok {
		if err := add(extras[keyDependencies], keyExtras+"."+keyDependencies); err != nil {
			return nil, err
		}
	}
	if err := add(file[keyDependencies], keyDependencies); err != nil {
		return nil, err
	}
	return out, nil
}

func findNamed(list ir.IRValue, name string) ir.IRObject {
	arr, ok := list.(ir.IRArray)
	if !ok {
		return nil
	}
	for _, item := range arr {
		obj, ok := item.(ir.IRObject)
		if ok && stringField(obj, keyName) == name {
			return obj
		}
	}
	return nil
}

func withExtras(obj ir.IRObject) {
	if _, ok := obj[keyExtras].(ir.IRObject); !ok {
		obj[keyExtras] = ir.IRObject{}
	}
}

func stringField(obj ir.IRObject, key string) string {
	switch v := obj[key].(type) {
	case ir.IRString:
		return string(v)
	case ir.IRInt:
		return fmt.Sprint(int64(v))
	default:
		return ""
	}
}

func withSource(err error, source string) error {
	var merr *Error
	if errors.As(err, &merr) {
		cp := *merr
		cp.Source = source
		return &cp
	}
	return fmt.Errorf("%s: %w", source, err)
}
