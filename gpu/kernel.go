package gpu

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultEntryPoint is the compute entry point kernels must export.
const DefaultEntryPoint = "main"

// KernelSource is WGSL compute kernel text.
type KernelSource struct {
	Label      string
	Code       string
	EntryPoint string // defaults to DefaultEntryPoint
}

// BindingDecl is one storage binding a kernel declares.
type BindingDecl struct {
	Group       uint32
	Binding     uint32
	Name        string
	Access      Access
	ElementType string
	Line        int
	Column      int
}

// Kernel is a compiled shader module plus the binding layout its source declares.
type Kernel struct {
	label      string
	entryPoint string
	module     ShaderModule
	bindings   []BindingDecl
}

// CompileKernel checks src on the host and compiles it on dev. Any failure
// other than a lost device is a *CompileError.
func CompileKernel(dev Device, src KernelSource) (*Kernel, error) {
	entry := src.EntryPoint
	if entry == "" {
		entry = DefaultEntryPoint
	}
	label := src.Label
	if label == "" {
		label = "kernel"
	}

	bindings, diags := ScanWGSL(src.Code, entry)
	if len(diags) > 0 {
		return nil, &CompileError{Label: label, Diagnostics: diags}
	}

	if Debug {
		Log("Compiling kernel %s (%d bindings)", label, len(bindings))
	}
	module, err := dev.CreateShaderModule(label+"_Shader", src.Code)
	if err != nil {
		if errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrClosed) {
			return nil, fmt.Errorf("shader compile: %w", err)
		}
		return nil, &CompileError{Label: label, Diagnostics: ParseToolchainDiagnostics(err.Error()), Err: err}
	}

	return &Kernel{label: label, entryPoint: entry, module: module, bindings: bindings}, nil
}

// Label names the kernel in device labels and logs.
func (k *Kernel) Label() string { return k.label }

// EntryPoint is the compute function the pipeline runs.
func (k *Kernel) EntryPoint() string { return k.entryPoint }

// Bindings returns the declared bindings sorted by group then binding.
func (k *Kernel) Bindings() []BindingDecl { return append([]BindingDecl(nil), k.bindings...) }

// Binding looks up a declared group 0 slot.
func (k *Kernel) Binding(slot uint32) (BindingDecl, bool) {
	for _, b := range k.bindings {
		if b.Group == 0 && b.Binding == slot {
			return b, true
		}
	}
	return BindingDecl{}, false
}

// Release drops the shader module.
func (k *Kernel) Release() {
	if k.module != nil {
		k.module.Release()
		k.module = nil
	}
}

var (
	reGroupAttr = regexp.MustCompile(`@group\s*\(`)
	reStorage   = regexp.MustCompile(`^@group\s*\(\s*(\d+)\s*\)\s*@binding\s*\(\s*(\d+)\s*\)\s*var\s*<\s*storage\s*(?:,\s*(read_write|read)\s*)?>\s*(\w+)\s*:\s*array\s*<\s*(\w+)\s*>`)
	reFn        = regexp.MustCompile(`\bfn\s+(\w+)\s*\(`)
	reLocation  = regexp.MustCompile(`:(\d+):(\d+)`)
)

// ScanWGSL performs the host-side checks on WGSL text: balanced delimiters,
// storage binding declarations, and a @compute entry point named entry.
func ScanWGSL(code, entry string) ([]BindingDecl, []Diagnostic) {
	text := stripComments(code)
	var diags []Diagnostic

	if strings.TrimSpace(text) == "" {
		return nil, []Diagnostic{{Line: 1, Column: 1, Message: "empty kernel source"}}
	}

	diags = append(diags, checkDelimiters(text)...)

	var bindings []BindingDecl
	seen := map[[2]uint32]BindingDecl{}
	for _, loc := range reGroupAttr.FindAllStringIndex(text, -1) {
		line, col := position(text, loc[0])
		m := reStorage.FindStringSubmatch(text[loc[0]:])
		if m == nil {
			diags = append(diags, Diagnostic{Line: line, Column: col,
				Message: "unsupported binding; want @group(g) @binding(n) var<storage, access> name : array<T>"})
			continue
		}
		group, _ := strconv.ParseUint(m[1], 10, 32)
		slot, _ := strconv.ParseUint(m[2], 10, 32)
		access := AccessReadOnly
		if m[3] == "read_write" {
			access = AccessReadWrite
		}
		decl := BindingDecl{
			Group:       uint32(group),
			Binding:     uint32(slot),
			Name:        m[4],
			Access:      access,
			ElementType: m[5],
			Line:        line,
			Column:      col,
		}
		key := [2]uint32{decl.Group, decl.Binding}
		if prev, dup := seen[key]; dup {
			diags = append(diags, Diagnostic{Line: line, Column: col,
				Message: fmt.Sprintf("binding %d in group %d already declared at line %d", decl.Binding, decl.Group, prev.Line)})
			continue
		}
		seen[key] = decl
		bindings = append(bindings, decl)
	}
	sort.Slice(bindings, func(i, j int) bool {
		if bindings[i].Group != bindings[j].Group {
			return bindings[i].Group < bindings[j].Group
		}
		return bindings[i].Binding < bindings[j].Binding
	})

	diags = append(diags, checkEntryPoint(text, entry)...)

	sort.SliceStable(diags, func(i, j int) bool {
		if diags[i].Line != diags[j].Line {
			return diags[i].Line < diags[j].Line
		}
		return diags[i].Column < diags[j].Column
	})
	return bindings, diags
}

func checkEntryPoint(text, entry string) []Diagnostic {
	for _, m := range reFn.FindAllStringSubmatchIndex(text, -1) {
		if text[m[2]:m[3]] != entry {
			continue
		}
		line, col := position(text, m[0])
		attrs := text[declStart(text, m[0]):m[0]]
		if !strings.Contains(attrs, "@compute") {
			return []Diagnostic{{Line: line, Column: col, Message: fmt.Sprintf("entry point %q is not marked @compute", entry)}}
		}
		if !strings.Contains(attrs, "@workgroup_size") {
			return []Diagnostic{{Line: line, Column: col, Message: fmt.Sprintf("entry point %q has no @workgroup_size", entry)}}
		}
		return nil
	}
	return []Diagnostic{{Line: 1, Column: 1, Message: fmt.Sprintf("no entry point named %q", entry)}}
}

// declStart finds where the attributes of the declaration ending at off begin.
func declStart(text string, off int) int {
	i := strings.LastIndexAny(text[:off], "};")
	return i + 1
}

func checkDelimiters(text string) []Diagnostic {
	type open struct {
		r         rune
		line, col int
	}
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var stack []open
	var diags []Diagnostic

	line, col := 1, 0
	for _, r := range text {
		col++
		switch r {
		case '\n':
			line, col = line+1, 0
		case '(', '[', '{':
			stack = append(stack, open{r, line, col})
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1].r != pairs[r] {
				diags = append(diags, Diagnostic{Line: line, Column: col, Message: fmt.Sprintf("unexpected %q", r)})
				return diags
			}
			stack = stack[:len(stack)-1]
		}
	}
	for _, o := range stack {
		diags = append(diags, Diagnostic{Line: o.line, Column: o.col, Message: fmt.Sprintf("unclosed %q", o.r)})
	}
	return diags
}

// stripComments blanks out // and nested /* */ comments, keeping newlines so
// positions stay valid.
func stripComments(code string) string {
	out := []byte(code)
	depth := 0
	for i := 0; i < len(out); i++ {
		switch {
		case depth == 0 && i+1 < len(out) && out[i] == '/' && out[i+1] == '/':
			for i < len(out) && out[i] != '\n' {
				out[i] = ' '
				i++
			}
		case i+1 < len(out) && out[i] == '/' && out[i+1] == '*':
			depth++
			out[i], out[i+1] = ' ', ' '
			i++
		case depth > 0 && i+1 < len(out) && out[i] == '*' && out[i+1] == '/':
			depth--
			out[i], out[i+1] = ' ', ' '
			i++
		case depth > 0 && out[i] != '\n':
			out[i] = ' '
		}
	}
	return string(out)
}

func position(text string, off int) (line, col int) {
	prefix := text[:off]
	line = strings.Count(prefix, "\n") + 1
	lineStart := strings.LastIndexByte(prefix, '\n') + 1
	col = utf8.RuneCountInString(prefix[lineStart:]) + 1
	return line, col
}

// ParseToolchainDiagnostics turns a shader compiler error message into
// diagnostics. Each line mentioning "error" starts a diagnostic; the first
// file:line:col location after it gives its position.
func ParseToolchainDiagnostics(msg string) []Diagnostic {
	var diags []Diagnostic
	first := ""
	for _, raw := range strings.Split(msg, "\n") {
		l := strings.TrimSpace(raw)
		if l == "" {
			continue
		}
		if first == "" {
			first = l
		}
		if strings.Contains(strings.ToLower(l), "error") {
			diags = append(diags, Diagnostic{Message: l})
			continue
		}
		if len(diags) == 0 || diags[len(diags)-1].Line != 0 {
			continue
		}
		if m := reLocation.FindStringSubmatch(l); m != nil {
			d := &diags[len(diags)-1]
			d.Line, _ = strconv.Atoi(m[1])
			d.Column, _ = strconv.Atoi(m[2])
		}
	}
	if len(diags) == 0 {
		d := Diagnostic{Message: first}
		if m := reLocation.FindStringSubmatch(msg); m != nil {
			d.Line, _ = strconv.Atoi(m[1])
			d.Column, _ = strconv.Atoi(m[2])
		}
		diags = append(diags, d)
	}
	return diags
}
