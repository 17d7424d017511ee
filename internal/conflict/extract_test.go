package conflict

import (
	"slices"
	"testing"
)

func locations(elems []Element) []string {
	var out []string
	for _, e := range elems {
		out = append(out, e.Location())
	}
	slices.Sort(out)
	return out
}

func TestExtractorFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"main.go", "go"},
		{"src/App.TSX", "javascript"},
		{"lib/util.mjs", "javascript"},
		{"tool.py", "python"},
		{"README.md", ""},
		{"Makefile", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			ext := ExtractorFor(tt.path)
			got := ""
			if ext != nil {
				got = ext.Language()
			}
			if got != tt.want {
				t.Errorf("ExtractorFor(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestGoExtractor(t *testing.T) {
	src := `package server

import (
	"fmt"
	str "strings"
)

import "os"

type Server struct {
	name string
}

type ID string

func New(name string) *Server {
	return &Server{name: name}
}

func (s *Server) Start() error {
	if s.name == "" {
		return fmt.Errorf("no name: %s", "}")
	}
	return nil
}

func (Server) Stop() {}

func Map[T any](in []T) []T { return in }
`
	got := locations(goExtractor{}.Extract(src))
	want := []string{
		"class:ID",
		"class:Server",
		"function:Map",
		"function:New",
		"function:Server.Start",
		"function:Server.Stop",
		`import:"fmt"`,
		`import:"os"`,
		`import:str "strings"`,
	}
	if !slices.Equal(got, want) {
		t.Errorf("Extract() locations = %v\nwant %v", got, want)
	}

	for _, e := range (goExtractor{}).Extract(src) {
		if e.Name == "Server.Start" {
			if e.Body != src[e.Start:e.End] {
				t.Error("Body does not match offsets")
			}
			wantBody := "func (s *Server) Start() error {\n\tif s.name == \"\" {\n\t\treturn fmt.Errorf(\"no name: %s\", \"}\")\n\t}\n\treturn nil\n}\n"
			if e.Body != wantBody {
				t.Errorf("Start body = %q", e.Body)
			}
		}
	}
}

func TestGoReplaceImports(t *testing.T) {
	tests := []struct {
		name    string
		content string
		imports []string
		want    string
	}{
		{
			name:    "insert after package",
			content: "package main\n\nfunc main() {}\n",
			imports: []string{`"fmt"`},
			want:    "package main\n\nimport \"fmt\"\n\nfunc main() {}\n",
		},
		{
			name:    "single to block",
			content: "package main\n\nimport \"os\"\n\nfunc main() {}\n",
			imports: []string{`"fmt"`, `"os"`},
			want:    "package main\n\nimport (\n\t\"fmt\"\n\t\"os\"\n)\n\nfunc main() {}\n",
		},
		{
			name:    "block and single collapse",
			content: "package main\n\nimport (\n\t\"b\"\n)\nimport \"a\"\n\nvar x = 1\n",
			imports: []string{`"a"`, `"b"`},
			want:    "package main\n\nimport (\n\t\"a\"\n\t\"b\"\n)\n\nvar x = 1\n",
		},
		{
			name:    "remove all",
			content: "package main\n\nimport \"os\"\n\nfunc main() {}\n",
			imports: nil,
			want:    "package main\n\nfunc main() {}\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (goExtractor{}).ReplaceImports(tt.content, tt.imports); got != tt.want {
				t.Errorf("ReplaceImports() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestJSExtractor(t *testing.T) {
	src := `import React from 'react';
import { a,
  b } from './x';
import './styles.css';
const fs = require('fs');

export function foo(x) {
  return { y: x };
}

export const bar = async (a) => {
  return a;
};

const one = () => 1;

export default class Baz {
  m() {}
}

interface Props {
  id: string;
}
`
	got := locations(jsExtractor{}.Extract(src))
	want := []string{
		"class:Baz",
		"class:Props",
		"function:bar",
		"function:foo",
		"function:one",
		"import:const fs = require('fs');",
		"import:import './styles.css';",
		"import:import React from 'react';",
		"import:import { a, b } from './x';",
	}
	if !slices.Equal(got, want) {
		t.Errorf("Extract() locations = %v\nwant %v", got, want)
	}

	for _, e := range (jsExtractor{}).Extract(src) {
		if e.Name == "one" && e.Body != "const one = () => 1;\n" {
			t.Errorf("one body = %q", e.Body)
		}
		if e.Name == "foo" && e.Body != "export function foo(x) {\n  return { y: x };\n}\n" {
			t.Errorf("foo body = %q", e.Body)
		}
	}
}

func TestPythonExtractor(t *testing.T) {
	src := `import os
from typing import (
    List,
    Dict,
)

class Foo:
    def method(self):
        pass

    def other(self):
        return 2

async def fetch():
    return 1

def bar():
    return 1
`
	got := locations(pyExtractor{}.Extract(src))
	want := []string{
		"class:Foo",
		"function:bar",
		"function:fetch",
		"import:from typing import ( List, Dict, )",
		"import:import os",
	}
	if !slices.Equal(got, want) {
		t.Errorf("Extract() locations = %v\nwant %v", got, want)
	}

	for _, e := range (pyExtractor{}).Extract(src) {
		if e.Name == "Foo" {
			want := "class Foo:\n    def method(self):\n        pass\n\n    def other(self):\n        return 2\n"
			if e.Body != want {
				t.Errorf("Foo body = %q", e.Body)
			}
		}
	}
}

func TestLineReplaceImports(t *testing.T) {
	got := pyExtractor{}.ReplaceImports("def main():\n    pass\n", []string{"import os", "import sys"})
	want := "import os\nimport sys\n\ndef main():\n    pass\n"
	if got != want {
		t.Errorf("ReplaceImports() = %q, want %q", got, want)
	}

	got = jsExtractor{}.ReplaceImports("import b from 'b';\nimport a from 'a';\n\nrun();\n", []string{"import a from 'a';", "import b from 'b';"})
	want = "import a from 'a';\nimport b from 'b';\n\nrun();\n"
	if got != want {
		t.Errorf("ReplaceImports() = %q, want %q", got, want)
	}
}
