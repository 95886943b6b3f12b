package generation

import (
	"fmt"
	"proxybridge/internal"
	"strings"
)

const DefaultIndentWidth = 2

// ScriptEmitter accumulates JavaScript source. Indentation is a running
// cursor: every Indent must be paired with exactly one Outdent.
type ScriptEmitter struct {
	buffer      strings.Builder
	depth       int
	indentWidth int
}

func NewScriptEmitter(indentWidth int) *ScriptEmitter {
	if indentWidth <= 0 {
		indentWidth = DefaultIndentWidth
	}

	return &ScriptEmitter{indentWidth: indentWidth}
}

func (e *ScriptEmitter) Indent() {
	e.depth++
}

func (e *ScriptEmitter) Outdent() {
	internal.Assert(e.depth > 0, "unbalanced indentation: outdent at depth 0")
	e.depth--
}

func (e *ScriptEmitter) Depth() int {
	return e.depth
}

// Balanced reports whether every Indent has been matched by an Outdent.
func (e *ScriptEmitter) Balanced() bool {
	return e.depth == 0
}

// Line writes one line at the current indentation.
func (e *ScriptEmitter) Line(format string, args ...any) {
	e.buffer.WriteString(strings.Repeat(" ", e.depth*e.indentWidth))
	fmt.Fprintf(&e.buffer, format, args...)
	e.buffer.WriteByte('\n')
}

// Blank writes an empty line without trailing indentation.
func (e *ScriptEmitter) Blank() {
	e.buffer.WriteByte('\n')
}

// Block writes `header {`, runs body one level deeper and closes the brace at
// the header's level.
func (e *ScriptEmitter) Block(header string, body func()) {
	start := e.depth
	e.Line("%s {", header)
	e.Indent()
	body()
	e.Outdent()
	internal.Assert(e.depth == start, "unbalanced indentation in block %q: depth %d, expected %d", header, e.depth, start)
	e.Line("}")
}

func (e *ScriptEmitter) String() string {
	return e.buffer.String()
}
