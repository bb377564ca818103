package symbols

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/iasik/symbol-indexer/internal/schema"
)

// Index levels, coarsest first.
const (
	LevelRepository = "repository"
	LevelModule     = "module"
	LevelClass      = "class"
	LevelMethod     = "method"
)

// Truncation limits applied when entries become records.
const (
	MaxSummaryBytes       = 2000
	MaxMetadataBytes      = 8000
	MaxEmbeddingTextBytes = 2000
)

// Entry is one index entry before it is embedded.
type Entry struct {
	ID            string
	Level         string
	Repo          string
	Module        string
	ModulePath    string
	Package       string
	SymbolName    string
	FQN           string
	Summary       string
	Metadata      map[string]any
	EmbeddingText string
}

// ContentHash identifies the text that gets embedded, so cached vectors
// can be reused while it is unchanged.
func (e Entry) ContentHash() string {
	sum := sha256.Sum256([]byte(e.EmbeddingText))
	return hex.EncodeToString(sum[:])
}

// Record converts the entry into a store row. Summary and metadata are cut
// to their limits and the name columns to the column widths; the id is
// left intact so that an oversized id fails validation instead of colliding.
func (e Entry) Record(vector []float32) schema.SymbolRecord {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		meta = []byte("{}")
	}
	fqn := e.FQN
	if fqn == "" {
		fqn = e.SymbolName
	}
	if fqn == "" {
		fqn = e.Repo
	}
	return schema.SymbolRecord{
		ID:          e.ID,
		IndexLevel:  e.Level,
		RepoName:    e.Repo,
		ModuleName:  e.Module,
		ModulePath:  Truncate(e.ModulePath, schema.MaxLength(schema.FieldModulePath)),
		PackageName: Truncate(e.Package, schema.MaxLength(schema.FieldPackageName)),
		SymbolName:  Truncate(e.SymbolName, schema.MaxLength(schema.FieldSymbolName)),
		FQN:         Truncate(fqn, schema.MaxLength(schema.FieldFQN)),
		Summary:     Truncate(e.Summary, MaxSummaryBytes),
		Metadata:    Truncate(string(meta), MaxMetadataBytes),
		Vector:      vector,
	}
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func head[T any](values []T, limit int) []T {
	if len(values) > limit {
		return values[:limit]
	}
	return values
}

type moduleGroup struct {
	name  string
	path  string
	types []Type
}

// BuildEntries produces the repository entry, one entry per module, and
// class and method entries for every type, in that order. extra is merged
// into the repository entry's metadata. Ids are primary keys, so an entry
// whose id was already produced is dropped.
func BuildEntries(repo string, types []Type, extra map[string]any) []Entry {
	if len(types) == 0 {
		return nil
	}

	modules := groupByModule(types)
	entries := make([]Entry, 0, 1+len(modules)+len(types)*2)
	seen := make(map[string]struct{}, cap(entries))
	add := func(e Entry) {
		if _, dup := seen[e.ID]; dup {
			return
		}
		seen[e.ID] = struct{}{}
		entries = append(entries, e)
	}

	add(repoEntry(repo, modules, len(types), extra))
	for _, m := range modules {
		add(moduleEntry(repo, m))
	}
	for _, t := range types {
		add(classEntry(t))
		for _, m := range t.Methods {
			add(methodEntry(t, m))
		}
	}
	return entries
}

func groupByModule(types []Type) []*moduleGroup {
	index := make(map[string]*moduleGroup)
	var groups []*moduleGroup
	for _, t := range types {
		g, ok := index[t.Module]
		if !ok {
			g = &moduleGroup{name: t.Module, path: t.ModulePath}
			index[t.Module] = g
			groups = append(groups, g)
		}
		g.types = append(g.types, t)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].name < groups[j].name })
	return groups
}

func repoEntry(repo string, modules []*moduleGroup, typeCount int, extra map[string]any) Entry {
	type moduleSummary struct {
		Module    string `json:"module"`
		Path      string `json:"path"`
		TypeCount int    `json:"typeCount"`
	}
	summaries := make([]moduleSummary, len(modules))
	for i, m := range modules {
		summaries[i] = moduleSummary{Module: m.name, Path: m.path, TypeCount: len(m.types)}
	}

	meta := map[string]any{
		"moduleCount": len(modules),
		"typeCount":   typeCount,
		"modules":     head(summaries, 12),
	}
	for k, v := range extra {
		meta[k] = v
	}

	lines := []string{
		"Repository " + repo,
		fmt.Sprintf("Modules: %d", len(modules)),
		fmt.Sprintf("Total types: %d", typeCount),
	}
	for _, s := range head(summaries, 8) {
		lines = append(lines, fmt.Sprintf("Module %s (%d types)", s.Module, s.TypeCount))
	}

	return Entry{
		ID:            "repo:" + repo,
		Level:         LevelRepository,
		Repo:          repo,
		SymbolName:    repo,
		FQN:           repo,
		Summary:       fmt.Sprintf("Repository %s with %d modules and %d types", repo, len(modules), typeCount),
		Metadata:      meta,
		EmbeddingText: Truncate(strings.Join(lines, "\n"), MaxEmbeddingTextBytes),
	}
}

func moduleEntry(repo string, m *moduleGroup) Entry {
	packages := map[string]struct{}{}
	deps := map[string]struct{}{}
	for _, t := range m.types {
		packages[t.Package] = struct{}{}
		for _, imp := range t.Imports {
			deps[imp] = struct{}{}
		}
	}
	pkgList := sortedKeys(packages)
	depList := sortedKeys(deps)

	meta := map[string]any{
		"repoName":     repo,
		"modulePath":   m.path,
		"packageCount": len(pkgList),
		"packages":     head(pkgList, 10),
		"typeCount":    len(m.types),
		"dependencies": head(depList, 15),
	}

	text := strings.Join([]string{
		fmt.Sprintf("Module %s in repo %s", m.name, repo),
		"Path: " + m.path,
		"Packages: " + strings.Join(pkgList, ", "),
		fmt.Sprintf("Types: %d", len(m.types)),
		"Dependencies: " + strings.Join(depList, ", "),
	}, "\n")

	return Entry{
		ID:            fmt.Sprintf("module:%s:%s", repo, m.name),
		Level:         LevelModule,
		Repo:          repo,
		Module:        m.name,
		ModulePath:    m.path,
		SymbolName:    m.name,
		FQN:           repo + ":" + m.name,
		Summary:       fmt.Sprintf("Module %s (%d types, %d packages)", m.name, len(m.types), len(pkgList)),
		Metadata:      meta,
		EmbeddingText: Truncate(text, MaxEmbeddingTextBytes),
	}
}

func classEntry(t Type) Entry {
	signatures := make([]string, len(t.Methods))
	for i, m := range t.Methods {
		signatures[i] = m.Signature
	}

	meta := map[string]any{
		"module":       t.Module,
		"modulePath":   t.ModulePath,
		"package":      t.Package,
		"kind":         t.Kind,
		"fields":       head(t.Fields, 10),
		"methods":      head(signatures, 10),
		"dependencies": head(t.Imports, 15),
		"filePath":     t.File,
		"line":         t.Line,
	}

	summary := t.Doc
	if summary == "" {
		summary = fmt.Sprintf("%s %s in package %s with %d fields and %d methods",
			kindLabel(t.Kind), t.Name, t.Package, len(t.Fields), len(t.Methods))
	}

	lines := []string{
		"Repository: " + t.Repo,
		"Module: " + t.Module,
		"Symbol: " + t.FQN,
		"Kind: " + t.Kind,
		"Package: " + t.Package,
	}
	if len(t.Fields) > 0 {
		lines = append(lines, "Fields: "+strings.Join(head(t.Fields, 10), ", "))
	}
	if len(t.Methods) > 0 {
		names := make([]string, 0, len(t.Methods))
		for _, m := range head(t.Methods, 15) {
			names = append(names, m.Name)
		}
		lines = append(lines, "Methods: "+strings.Join(names, ", "))
	}
	lines = append(lines, "Summary: "+summary)

	return Entry{
		ID:            "class:" + t.FQN,
		Level:         LevelClass,
		Repo:          t.Repo,
		Module:        t.Module,
		ModulePath:    t.ModulePath,
		Package:       t.Package,
		SymbolName:    t.FQN,
		FQN:           t.FQN,
		Summary:       summary,
		Metadata:      meta,
		EmbeddingText: Truncate(strings.Join(lines, "\n"), MaxEmbeddingTextBytes),
	}
}

func methodEntry(t Type, m Method) Entry {
	params := make([]string, len(m.Params))
	for i, p := range m.Params {
		params[i] = strings.TrimSpace(p.Name + " " + p.Type)
	}

	meta := map[string]any{
		"class":      t.FQN,
		"module":     t.Module,
		"parameters": m.Params,
		"results":    m.Results,
		"exported":   m.Exported,
		"filePath":   t.File,
		"line":       m.Line,
	}

	owner := "type " + t.FQN
	if t.Kind == KindPackage {
		owner = "package " + t.FQN
	}
	text := strings.Join([]string{
		fmt.Sprintf("Method %s of %s", m.Name, owner),
		"Signature: " + m.Signature,
		"Returns: " + strings.Join(m.Results, ", "),
		"Parameters: " + strings.Join(params, ", "),
		"Module: " + t.Module,
		"Package: " + t.Package,
		"Doc: " + m.Doc,
	}, "\n")

	summary := m.Signature
	if m.Doc != "" {
		summary = m.Signature + "\n" + m.Doc
	}

	fqn := t.FQN + "#" + m.Name
	return Entry{
		ID:            "method:" + fqn,
		Level:         LevelMethod,
		Repo:          t.Repo,
		Module:        t.Module,
		ModulePath:    t.ModulePath,
		Package:       t.Package,
		SymbolName:    fqn,
		FQN:           fqn,
		Summary:       summary,
		Metadata:      meta,
		EmbeddingText: Truncate(text, MaxEmbeddingTextBytes),
	}
}

func kindLabel(kind string) string {
	switch kind {
	case KindStruct:
		return "Struct"
	case KindInterface:
		return "Interface"
	case KindPackage:
		return "Package"
	}
	return "Type"
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
