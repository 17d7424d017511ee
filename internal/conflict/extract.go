package conflict

import (
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// Extractor pulls semantic elements out of source text. Extraction is
// heuristic pattern matching, not parsing; a real parser can be substituted
// by implementing this interface.
type Extractor interface {
	// Language names the language handled.
	Language() string
	// Extract returns the top-level imports, functions and classes of content.
	Extract(content string) []Element
	// ReplaceImports rewrites the import section of content to hold exactly
	// imports, in the given order.
	ReplaceImports(content string, imports []string) string
}

var extractors = map[string]Extractor{
	".go":  goExtractor{},
	".js":  jsExtractor{},
	".jsx": jsExtractor{},
	".mjs": jsExtractor{},
	".cjs": jsExtractor{},
	".ts":  jsExtractor{},
	".tsx": jsExtractor{},
	".py":  pyExtractor{},
}

// ExtractorFor returns the extractor for path's extension, or nil when the
// language is not supported.
func ExtractorFor(path string) Extractor {
	return extractors[strings.ToLower(filepath.Ext(path))]
}

var spaceRun = regexp.MustCompile(`\s+`)

func normalizeSpace(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

// normalizeBody drops trailing whitespace so formatting noise is not a change.
func normalizeBody(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return strings.Join(lines, "\n")
}

// lineEnd returns the offset just past the newline ending the line at i.
func lineEnd(content string, i int) int {
	if j := strings.IndexByte(content[i:], '\n'); j >= 0 {
		return i + j + 1
	}
	return len(content)
}

// braceBlockEnd returns the offset just past the block that opens at the
// first '{' at or after from. Statements that end on their own line without
// opening a block end there.
func braceBlockEnd(content string, from int) int {
	eol := lineEnd(content, from)
	open := strings.IndexByte(content[from:], '{')
	if open < 0 {
		return eol
	}
	open += from
	if open >= eol && strings.HasSuffix(strings.TrimSpace(content[from:eol]), ";") {
		return eol
	}

	depth := 0
	var quote byte
	for i := open; i < len(content); i++ {
		c := content[i]
		switch {
		case quote != 0:
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		case c == '/' && i+1 < len(content) && content[i+1] == '/':
			i = lineEnd(content, i) - 1
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return lineEnd(content, i)
			}
		}
	}
	return len(content)
}

// indentBlockEnd returns the offset of the next non-blank line at column 0
// after the line starting at from.
func indentBlockEnd(content string, from int) int {
	i := lineEnd(content, from)
	last := i
	for i < len(content) {
		end := lineEnd(content, i)
		line := content[i:end]
		if strings.TrimSpace(line) != "" {
			if line[0] != ' ' && line[0] != '\t' {
				break
			}
			last = end
		}
		i = end
	}
	return last
}

type span struct{ start, end int }

// rewriteImports removes every import span and writes the rendered block
// where the first one was, or at insertAt when there were none.
func rewriteImports(content string, spans []span, rendered string, insertAt int) string {
	if len(spans) == 0 {
		if rendered == "" {
			return content
		}
		head, tail := content[:insertAt], content[insertAt:]
		if head != "" && !strings.HasSuffix(head, "\n\n") {
			head = strings.TrimRight(head, "\n") + "\n\n"
		}
		if !strings.HasPrefix(tail, "\n") {
			rendered += "\n"
		}
		return head + rendered + tail
	}
	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })
	var b strings.Builder
	pos := 0
	for i, s := range spans {
		if s.start < pos {
			continue
		}
		b.WriteString(content[pos:s.start])
		if i == 0 {
			b.WriteString(rendered)
		}
		pos = s.end
	}
	rest := content[pos:]
	if rendered == "" {
		rest = strings.TrimLeft(rest, "\n")
	}
	b.WriteString(rest)
	return b.String()
}

// ---------------------------------------------------------------------------
// Go

type goExtractor struct{}

var (
	goImportBlock  = regexp.MustCompile(`(?ms)^import[ \t]*\((.*?)^\)[ \t]*\n?`)
	goImportSingle = regexp.MustCompile(`(?m)^import[ \t]+((?:[\w.]+[ \t]+)?"[^"\n]*")[ \t]*\n?`)
	goImportSpec   = regexp.MustCompile(`(?m)^[ \t]*((?:[\w.]+[ \t]+)?"[^"\n]*")`)
	goFunc         = regexp.MustCompile(`(?m)^func[ \t]+(?:\([ \t]*(?:\w+[ \t]+)?\*?[ \t]*(\w+)[^)]*\)[ \t]*)?(\w+)`)
	goType         = regexp.MustCompile(`(?m)^type[ \t]+(\w+)`)
	goPackage      = regexp.MustCompile(`(?m)^package[ \t]+\w+[^\n]*\n?`)
)

func (goExtractor) Language() string { return "go" }

func (g goExtractor) Extract(content string) []Element {
	out := g.imports(content)
	for _, m := range goFunc.FindAllStringSubmatchIndex(content, -1) {
		name := content[m[4]:m[5]]
		if m[2] >= 0 {
			name = content[m[2]:m[3]] + "." + name
		}
		end := braceBlockEnd(content, m[0])
		out = append(out, Element{Kind: KindFunction, Name: name, Body: content[m[0]:end], Start: m[0], End: end})
	}
	for _, m := range goType.FindAllStringSubmatchIndex(content, -1) {
		end := lineEnd(content, m[0])
		if strings.HasSuffix(strings.TrimSpace(content[m[0]:end]), "{") {
			end = braceBlockEnd(content, m[0])
		}
		out = append(out, Element{Kind: KindClass, Name: content[m[2]:m[3]], Body: content[m[0]:end], Start: m[0], End: end})
	}
	return out
}

func (goExtractor) imports(content string) []Element {
	var out []Element
	for _, m := range goImportBlock.FindAllStringSubmatchIndex(content, -1) {
		inner := content[m[2]:m[3]]
		for _, s := range goImportSpec.FindAllStringSubmatchIndex(inner, -1) {
			imp := normalizeSpace(inner[s[2]:s[3]])
			out = append(out, Element{Kind: KindImport, Name: imp, Body: imp, Start: m[2] + s[0], End: m[2] + s[1]})
		}
	}
	for _, m := range goImportSingle.FindAllStringSubmatchIndex(content, -1) {
		imp := normalizeSpace(content[m[2]:m[3]])
		out = append(out, Element{Kind: KindImport, Name: imp, Body: imp, Start: m[0], End: m[1]})
	}
	return out
}

func (goExtractor) ReplaceImports(content string, imports []string) string {
	var spans []span
	for _, m := range goImportBlock.FindAllStringIndex(content, -1) {
		spans = append(spans, span{m[0], m[1]})
	}
	for _, m := range goImportSingle.FindAllStringIndex(content, -1) {
		spans = append(spans, span{m[0], m[1]})
	}

	var rendered string
	switch len(imports) {
	case 0:
	case 1:
		rendered = "import " + imports[0] + "\n"
	default:
		var b strings.Builder
		b.WriteString("import (\n")
		for _, imp := range imports {
			b.WriteString("\t" + imp + "\n")
		}
		b.WriteString(")\n")
		rendered = b.String()
	}

	insertAt := 0
	if loc := goPackage.FindStringIndex(content); loc != nil {
		insertAt = loc[1]
	}
	return rewriteImports(content, spans, rendered, insertAt)
}

// ---------------------------------------------------------------------------
// JavaScript and TypeScript

type jsExtractor struct{}

var (
	jsImportFrom    = regexp.MustCompile(`(?ms)^import[ \t]+[^;'"]*?from[ \t]+['"][^'"\n]+['"];?[ \t]*\n?`)
	jsImportBare    = regexp.MustCompile(`(?m)^import[ \t]+['"][^'"\n]+['"];?[ \t]*\n?`)
	jsRequire       = regexp.MustCompile(`(?m)^(?:const|let|var)[ \t]+[^=\n]+=[ \t]*require\([ \t]*['"][^'"\n]+['"][ \t]*\)[^\n]*\n?`)
	jsFunction      = regexp.MustCompile(`(?m)^(?:export[ \t]+)?(?:default[ \t]+)?(?:async[ \t]+)?function[ \t]*\*?[ \t]*(\w+)[ \t]*[(<]`)
	jsArrowFunction = regexp.MustCompile(`(?m)^(?:export[ \t]+)?(?:const|let|var)[ \t]+(\w+)(?:[ \t]*:[^=\n]+)?[ \t]*=[ \t]*(?:async[ \t]+)?(?:\([^)]*\)|\w+)(?:[ \t]*:[^=\n]+)?[ \t]*=>`)
	jsClass         = regexp.MustCompile(`(?m)^(?:export[ \t]+)?(?:default[ \t]+)?(?:abstract[ \t]+)?(?:class|interface)[ \t]+(\w+)`)
)

func (jsExtractor) Language() string { return "javascript" }

func (jsExtractor) importSpans(content string) []span {
	var spans []span
	for _, re := range []*regexp.Regexp{jsImportFrom, jsImportBare, jsRequire} {
		for _, m := range re.FindAllStringIndex(content, -1) {
			spans = append(spans, span{m[0], m[1]})
		}
	}
	slices.SortFunc(spans, func(a, b span) int { return a.start - b.start })
	return spans
}

func (j jsExtractor) Extract(content string) []Element {
	var out []Element
	for _, s := range j.importSpans(content) {
		stmt := normalizeSpace(content[s.start:s.end])
		out = append(out, Element{Kind: KindImport, Name: stmt, Body: stmt, Start: s.start, End: s.end})
	}
	for _, re := range []*regexp.Regexp{jsFunction, jsArrowFunction} {
		for _, m := range re.FindAllStringSubmatchIndex(content, -1) {
			end := braceBlockEnd(content, m[0])
			out = append(out, Element{Kind: KindFunction, Name: content[m[2]:m[3]], Body: content[m[0]:end], Start: m[0], End: end})
		}
	}
	for _, m := range jsClass.FindAllStringSubmatchIndex(content, -1) {
		end := braceBlockEnd(content, m[0])
		out = append(out, Element{Kind: KindClass, Name: content[m[2]:m[3]], Body: content[m[0]:end], Start: m[0], End: end})
	}
	return out
}

func (j jsExtractor) ReplaceImports(content string, imports []string) string {
	return rewriteImports(content, j.importSpans(content), renderLines(imports), 0)
}

// ---------------------------------------------------------------------------
// Python

type pyExtractor struct{}

var (
	pyImport   = regexp.MustCompile(`(?m)^(?:from[ \t]+\S+[ \t]+import[ \t]+(?:\([^)]*\)|[^\n]+)|import[ \t]+[^\n]+)\n?`)
	pyFunction = regexp.MustCompile(`(?m)^(?:async[ \t]+)?def[ \t]+(\w+)[ \t]*\(`)
	pyClass    = regexp.MustCompile(`(?m)^class[ \t]+(\w+)`)
)

func (pyExtractor) Language() string { return "python" }

func (pyExtractor) Extract(content string) []Element {
	var out []Element
	for _, m := range pyImport.FindAllStringIndex(content, -1) {
		stmt := normalizeSpace(content[m[0]:m[1]])
		out = append(out, Element{Kind: KindImport, Name: stmt, Body: stmt, Start: m[0], End: m[1]})
	}
	for _, m := range pyFunction.FindAllStringSubmatchIndex(content, -1) {
		end := indentBlockEnd(content, m[0])
		out = append(out, Element{Kind: KindFunction, Name: content[m[2]:m[3]], Body: content[m[0]:end], Start: m[0], End: end})
	}
	for _, m := range pyClass.FindAllStringSubmatchIndex(content, -1) {
		end := indentBlockEnd(content, m[0])
		out = append(out, Element{Kind: KindClass, Name: content[m[2]:m[3]], Body: content[m[0]:end], Start: m[0], End: end})
	}
	return out
}

func (pyExtractor) ReplaceImports(content string, imports []string) string {
	var spans []span
	for _, m := range pyImport.FindAllStringIndex(content, -1) {
		spans = append(spans, span{m[0], m[1]})
	}
	return rewriteImports(content, spans, renderLines(imports), 0)
}

func renderLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
