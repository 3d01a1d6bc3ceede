// Package payload renders message bodies from text/template strings.
package payload

import (
	"bufio"
	"bytes"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"text/template"

	"github.com/google/uuid"
)

// Data is what a template sees for each message.
type Data struct {
	Seq    int64
	ConnID string
	Phase  string
}

// Engine holds the template functions and the file cache behind randomLine.
type Engine struct {
	fileCache map[string][]string
	mu        sync.RWMutex
	funcMap   template.FuncMap
}

func NewEngine() *Engine {
	e := &Engine{
		fileCache: make(map[string][]string),
	}

	e.funcMap = template.FuncMap{
		"randomInt":    e.randomInt,
		"randomUUID":   e.randomUUID,
		"randomChoice": e.randomChoice,
		"randomLine":   e.randomLine,
		"uuid":         e.randomUUID,
	}

	return e
}

// Preprocess rewrites the short forms {{seq}}, {{connID}} and {{phase}} into
// field access.
func (e *Engine) Preprocess(input string) string {
	s := input
	s = strings.ReplaceAll(s, "{{seq}}", "{{.Seq}}")
	s = strings.ReplaceAll(s, "{{connID}}", "{{.ConnID}}")
	s = strings.ReplaceAll(s, "{{phase}}", "{{.Phase}}")
	return s
}

func (e *Engine) Parse(name, text string) (*template.Template, error) {
	return template.New(name).Funcs(e.funcMap).Parse(e.Preprocess(text))
}

// Builder renders one template, repeated Multiplier times per message.
type Builder struct {
	tmpl       *template.Template
	multiplier int
	// static is set when the template has no actions, so Build can skip
	// executing it per message.
	static string
}

func NewBuilder(e *Engine, name, text string, multiplier int) (*Builder, error) {
	if multiplier < 1 {
		multiplier = 1
	}
	t, err := e.Parse(name, text)
	if err != nil {
		return nil, fmt.Errorf("parse %s template: %w", name, err)
	}
	b := &Builder{tmpl: t, multiplier: multiplier}
	if !strings.Contains(text, "{{") {
		b.static = strings.Repeat(text, multiplier)
	}
	return b, nil
}

func (b *Builder) Build(d Data) (string, error) {
	if b.static != "" {
		return b.static, nil
	}
	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, d); err != nil {
		return "", err
	}
	if b.multiplier == 1 {
		return buf.String(), nil
	}
	return strings.Repeat(buf.String(), b.multiplier), nil
}

func (e *Engine) randomInt(min, max int) int {
	if max <= min {
		return min
	}
	return rand.Intn(max-min) + min
}

func (e *Engine) randomUUID() string {
	return uuid.New().String()
}

func (e *Engine) randomChoice(choices ...string) string {
	if len(choices) == 0 {
		return ""
	}
	return choices[rand.Intn(len(choices))]
}

func (e *Engine) randomLine(filename string) (string, error) {
	e.mu.RLock()
	lines, ok := e.fileCache[filename]
	e.mu.RUnlock()

	if !ok {
		var err error
		lines, err = e.load(filename)
		if err != nil {
			return "", err
		}
	}
	if len(lines) == 0 {
		return "", nil
	}
	return lines[rand.Intn(len(lines))], nil
}

func (e *Engine) load(filename string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lines, ok := e.fileCache[filename]; ok {
		return lines, nil
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file '%s': %w", filename, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(content))
	var loaded []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			loaded = append(loaded, line)
		}
	}
	e.fileCache[filename] = loaded
	return loaded, nil
}
