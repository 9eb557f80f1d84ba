package graph

import (
	"path"
	"strings"
	"unicode"
)

// RefKind distinguishes the two dependency reference forms.
type RefKind int

const (
	// RefPath is a rendered file path, used as-is after cleaning.
	RefPath RefKind = iota
	// RefColon is a package:Module.ext reference resolved through a pattern.
	RefColon
)

// String returns the kind name.
func (k RefKind) String() string {
	if k == RefColon {
		return "colon"
	}
	return "path"
}

// Ref is a parsed dependency reference.
type Ref struct {
	Raw  string
	Kind RefKind

	// Path is set for RefPath.
	Path string

	// Package, Module and Ext are set for RefColon.
	Package string
	Module  string
	Ext     string
}

// DefaultColonPattern maps pkg:Mod.ext to pkg/Mod.ext.
const DefaultColonPattern = "{package}/{module}.{ext}"

// ParseRef parses a raw dependency reference.
//
// A reference containing "/" or "\\", or no ":", is a path. Anything else must match
//
//	ref     = package ":" module "." ext
//	package = 1*(ALNUM / "_" / "-" / ".")
//	module  = (ALPHA / "_") *(ALNUM / "_")
//	ext     = 1*ALNUM *("." 1*ALNUM)
//
// and otherwise yields an *InvalidReferenceError.
func ParseRef(raw string) (Ref, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Ref{}, &InvalidReferenceError{Ref: raw, Reason: "empty reference"}
	}
	if strings.ContainsAny(s, "/\\") || !strings.Contains(s, ":") {
		return Ref{Raw: raw, Kind: RefPath, Path: CleanPath(s)}, nil
	}

	sc := refScanner{src: s, raw: raw}
	pkg, err := sc.scanPackage()
	if err != nil {
		return Ref{}, err
	}
	if err := sc.expect(':'); err != nil {
		return Ref{}, err
	}
	mod, err := sc.scanModule()
	if err != nil {
		return Ref{}, err
	}
	if err := sc.expect('.'); err != nil {
		return Ref{}, err
	}
	ext, err := sc.scanExt()
	if err != nil {
		return Ref{}, err
	}
	if !sc.done() {
		return Ref{}, sc.fail("unexpected trailing input")
	}
	return Ref{Raw: raw, Kind: RefColon, Package: pkg, Module: mod, Ext: ext}, nil
}

// CleanPath normalizes a rendered path: surrounding space trimmed,
// backslashes turned into forward slashes, lexically cleaned, no leading
// "./".
func CleanPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}

// Resolve expands a colon reference through pattern. Supported
// placeholders are {package}, {package_path}, {module}, {module_snake} and
// {ext}. Path references resolve to their cleaned path.
func (r Ref) Resolve(pattern string) string {
	if r.Kind == RefPath {
		return r.Path
	}
	if pattern == "" {
		pattern = DefaultColonPattern
	}
	rep := strings.NewReplacer(
		"{package_path}", strings.ReplaceAll(r.Package, ".", "/"),
		"{package}", r.Package,
		"{module_snake}", SnakeCase(r.Module),
		"{module}", r.Module,
		"{ext}", r.Ext,
	)
	return CleanPath(rep.Replace(pattern))
}

// SnakeCase converts a CamelCase identifier to snake_case, keeping
// acronyms together: HTTPClient becomes http_client.
func SnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && runes[i-1] != '_' {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type refScanner struct {
	src string
	raw string
	pos int
}

func (sc *refScanner) done() bool { return sc.pos >= len(sc.src) }

func (sc *refScanner) peek() byte {
	if sc.done() {
		return 0
	}
	return sc.src[sc.pos]
}

func (sc *refScanner) fail(reason string) error {
	return &InvalidReferenceError{Ref: sc.raw, Offset: sc.pos, Reason: reason}
}

func (sc *refScanner) expect(c byte) error {
	if sc.peek() != c {
		return sc.fail("expected '" + string(c) + "'")
	}
	sc.pos++
	return nil
}

func (sc *refScanner) scanPackage() (string, error) {
	start := sc.pos
	for !sc.done() {
		c := sc.peek()
		if !isAlnum(c) && c != '_' && c != '-' && c != '.' {
			break
		}
		sc.pos++
	}
	if sc.pos == start {
		return "", sc.fail("empty package")
	}
	return sc.src[start:sc.pos], nil
}

func (sc *refScanner) scanModule() (string, error) {
	start := sc.pos
	c := sc.peek()
	if !isAlpha(c) && c != '_' {
		return "", sc.fail("module must start with a letter or underscore")
	}
	sc.pos++
	for !sc.done() {
		c := sc.peek()
		if !isAlnum(c) && c != '_' {
			break
		}
		sc.pos++
	}
	return sc.src[start:sc.pos], nil
}

func (sc *refScanner) scanExt() (string, error) {
	start := sc.pos
	for {
		segStart := sc.pos
		for !sc.done() && isAlnum(sc.peek()) {
			sc.pos++
		}
		if sc.pos == segStart {
			return "", sc.fail("empty extension segment")
		}
		if sc.peek() != '.' {
			break
		}
		sc.pos++
	}
	return sc.src[start:sc.pos], nil
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isAlnum(c byte) bool {
	return isAlpha(c) || (c >= '0' && c <= '9')
}
