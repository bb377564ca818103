// Package symbols extracts Go symbols from a source tree using the go/ast
// parser and turns them into index entries at repository, module, class and
// method granularity.
package symbols

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Kinds of extracted types.
const (
	KindStruct    = "struct"
	KindInterface = "interface"
	KindType      = "type"
	// KindPackage is the pseudo type holding a package's free functions.
	KindPackage = "package"
)

// Options controls what Extract walks and keeps.
type Options struct {
	// Repo is stored on every extracted type.
	Repo string

	// IncludeTests also parses _test.go files.
	IncludeTests bool

	// IncludeUnexported keeps unexported types and functions.
	IncludeUnexported bool

	// Exclude reports whether a slash-separated path relative to the root
	// should be skipped. Directories are passed with a trailing slash.
	Exclude func(rel string) bool

	// OnParseError is called for every file that fails to parse. The file
	// is skipped either way.
	OnParseError func(rel string, err error)
}

// Type is a Go type, or a package's free functions, with its methods.
type Type struct {
	Repo       string
	Module     string
	ModulePath string
	Package    string
	Name       string
	FQN        string
	Kind       string
	Doc        string
	Fields     []string
	Methods    []Method
	Imports    []string
	File       string
	Line       int
}

// Method is a function or method declaration.
type Method struct {
	Name      string
	Receiver  string
	Signature string
	Params    []Param
	Results   []string
	Doc       string
	Exported  bool
	Line      int
}

// Param is one function parameter.
type Param struct {
	Name string
	Type string
}

// pkgState accumulates one package directory while walking.
type pkgState struct {
	dir     string
	imports map[string]struct{}
	types   map[string]*Type
	order   []string
	free    []Method
	funcs   map[string]struct{}
	file    string
}

// Extract walks root and returns the types of every Go package found,
// sorted by FQN. Files that fail to parse are skipped and reported through
// opts.OnParseError.
//
// Build constraints are not evaluated. When variant files of a package
// (open_linux.go, open_windows.go) declare the same type or function, the
// first declaration in file name order wins.
func Extract(root string, opts Options) ([]Type, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("source path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source path %s is not a directory", root)
	}

	modPath := readModulePath(root)
	fset := token.NewFileSet()
	pkgs := make(map[string]*pkgState)

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel == "." {
				return nil
			}
			name := d.Name()
			if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor" || name == "testdata" {
				return filepath.SkipDir
			}
			if opts.Exclude != nil && opts.Exclude(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if !strings.HasSuffix(rel, ".go") {
			return nil
		}
		if strings.HasSuffix(rel, "_test.go") && !opts.IncludeTests {
			return nil
		}
		if opts.Exclude != nil && opts.Exclude(rel) {
			return nil
		}

		file, err := parser.ParseFile(fset, p, nil, parser.ParseComments)
		if err != nil {
			if opts.OnParseError != nil {
				opts.OnParseError(rel, err)
			}
			return nil
		}

		dir := path.Dir(rel)
		st, ok := pkgs[dir]
		if !ok {
			st = &pkgState{
				dir:     dir,
				imports: map[string]struct{}{},
				types:   map[string]*Type{},
				funcs:   map[string]struct{}{},
				file:    rel,
			}
			pkgs[dir] = st
		}
		collectFile(fset, file, rel, st, opts)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	var out []Type
	for _, st := range pkgs {
		out = append(out, st.finish(opts, modPath)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FQN < out[j].FQN })
	return out, nil
}

func collectFile(fset *token.FileSet, file *ast.File, rel string, st *pkgState, opts Options) {
	for _, imp := range file.Imports {
		st.imports[strings.Trim(imp.Path.Value, `"`)] = struct{}{}
	}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			if d.Tok != token.TYPE {
				continue
			}
			for _, spec := range d.Specs {
				ts, ok := spec.(*ast.TypeSpec)
				if !ok || (!opts.IncludeUnexported && !ts.Name.IsExported()) {
					continue
				}
				t := st.typeNamed(ts.Name.Name)
				if t.File != "" {
					continue
				}
				t.Kind, t.Fields = typeShape(fset, ts.Type)
				t.Doc = docText(ts.Doc, d.Doc)
				t.File = rel
				t.Line = fset.Position(ts.Pos()).Line
			}

		case *ast.FuncDecl:
			if !opts.IncludeUnexported && !d.Name.IsExported() {
				continue
			}
			m := buildMethod(fset, d)
			if m.Receiver != "" && !opts.IncludeUnexported && !ast.IsExported(m.Receiver) {
				continue
			}
			key := m.Receiver + "." + m.Name
			if _, dup := st.funcs[key]; dup {
				continue
			}
			st.funcs[key] = struct{}{}
			if m.Receiver == "" {
				st.free = append(st.free, m)
				continue
			}
			t := st.typeNamed(m.Receiver)
			t.Methods = append(t.Methods, m)
		}
	}
}

func (st *pkgState) typeNamed(name string) *Type {
	if t, ok := st.types[name]; ok {
		return t
	}
	t := &Type{Name: name, Kind: KindType}
	st.types[name] = t
	st.order = append(st.order, name)
	return t
}

// finish resolves names and emits the package's types. Methods on types
// declared in another file of the package are merged by name above, so a
// type seen only through its methods keeps KindType.
func (st *pkgState) finish(opts Options, modPath string) []Type {
	importPath := path.Join(opts.Repo, st.dir)
	if modPath != "" {
		importPath = path.Join(modPath, st.dir)
	}
	module, modulePath := moduleOf(st.dir)

	imports := make([]string, 0, len(st.imports))
	for imp := range st.imports {
		imports = append(imports, imp)
	}
	sort.Strings(imports)

	base := Type{
		Repo:       opts.Repo,
		Module:     module,
		ModulePath: modulePath,
		Package:    importPath,
		Imports:    imports,
	}

	out := make([]Type, 0, len(st.order)+1)
	for _, name := range st.order {
		src := st.types[name]
		t := base
		t.Name = name
		t.FQN = importPath + "." + name
		t.Kind = src.Kind
		t.Doc = src.Doc
		t.Fields = src.Fields
		t.Methods = sortMethods(src.Methods)
		t.File = src.File
		t.Line = src.Line
		if t.File == "" && len(t.Methods) > 0 {
			t.File = st.file
			t.Line = t.Methods[0].Line
		}
		out = append(out, t)
	}

	if len(st.free) > 0 {
		t := base
		t.Name = path.Base(importPath)
		t.FQN = importPath
		t.Kind = KindPackage
		t.Methods = sortMethods(st.free)
		t.File = st.file
		out = append(out, t)
	}
	return out
}

func sortMethods(methods []Method) []Method {
	sort.SliceStable(methods, func(i, j int) bool { return methods[i].Name < methods[j].Name })
	return methods
}

// moduleOf groups a package directory into a module: its first path segment,
// or "root" for the repository root.
func moduleOf(dir string) (name, modulePath string) {
	if dir == "." || dir == "" {
		return "root", "."
	}
	first, _, _ := strings.Cut(dir, "/")
	return first, first
}

func buildMethod(fset *token.FileSet, fn *ast.FuncDecl) Method {
	m := Method{
		Name:     fn.Name.Name,
		Doc:      docText(fn.Doc),
		Exported: fn.Name.IsExported(),
		Line:     fset.Position(fn.Pos()).Line,
	}

	recv := ""
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		field := fn.Recv.List[0]
		m.Receiver = receiverType(field.Type)
		recv = nodeString(fset, field.Type)
		if len(field.Names) > 0 {
			recv = field.Names[0].Name + " " + recv
		}
		recv = "(" + recv + ") "
	}

	if fn.Type.Params != nil {
		for _, field := range fn.Type.Params.List {
			typ := nodeString(fset, field.Type)
			if len(field.Names) == 0 {
				m.Params = append(m.Params, Param{Type: typ})
			}
			for _, n := range field.Names {
				m.Params = append(m.Params, Param{Name: n.Name, Type: typ})
			}
		}
	}
	if fn.Type.Results != nil {
		for _, field := range fn.Type.Results.List {
			typ := nodeString(fset, field.Type)
			count := len(field.Names)
			if count == 0 {
				count = 1
			}
			for i := 0; i < count; i++ {
				m.Results = append(m.Results, typ)
			}
		}
	}

	m.Signature = "func " + recv + m.Name + strings.TrimPrefix(nodeString(fset, fn.Type), "func")
	return m
}

// receiverType extracts the receiver's base type name, unwrapping pointers
// and type parameters.
func receiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.IndexExpr:
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	}
	return ""
}

func typeShape(fset *token.FileSet, expr ast.Expr) (string, []string) {
	switch t := expr.(type) {
	case *ast.StructType:
		var fields []string
		for _, f := range t.Fields.List {
			typ := nodeString(fset, f.Type)
			if len(f.Names) == 0 {
				fields = append(fields, typ)
			}
			for _, n := range f.Names {
				fields = append(fields, n.Name+" "+typ)
			}
		}
		return KindStruct, fields
	case *ast.InterfaceType:
		var methods []string
		for _, f := range t.Methods.List {
			for _, n := range f.Names {
				methods = append(methods, n.Name+strings.TrimPrefix(nodeString(fset, f.Type), "func"))
			}
		}
		return KindInterface, methods
	}
	return KindType, nil
}

func nodeString(fset *token.FileSet, node ast.Node) string {
	var buf bytes.Buffer
	if err := printer.Fprint(&buf, fset, node); err != nil {
		return ""
	}
	return buf.String()
}

// docText returns the first non-empty comment group as plain text.
func docText(groups ...*ast.CommentGroup) string {
	for _, g := range groups {
		if g == nil {
			continue
		}
		if text := strings.TrimSpace(g.Text()); text != "" {
			return text
		}
	}
	return ""
}

// readModulePath returns the module path declared in root/go.mod, if any.
func readModulePath(root string) string {
	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "module "); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`)
		}
	}
	return ""
}
