// Package pixel collects the browser-side tracking commands produced while
// dispatching one submission and renders them as a script for the form page.
package pixel

import (
	"encoding/json"
	"strings"
	"sync"
)

// Bootstrap keys.
const (
	ScriptMetaPixel = "meta_pixel"
	ScriptGtag      = "gtag"
)

// Command is one call into a browser tracking global.
type Command struct {
	Fn   string `json:"fn"` // "fbq" or "gtag"
	Args []any  `json:"args"`
}

func FBQ(args ...any) Command  { return Command{Fn: "fbq", Args: args} }
func Gtag(args ...any) Command { return Command{Fn: "gtag", Args: args} }

// Page is safe for concurrent use by channel handlers.
type Page struct {
	mu         sync.Mutex
	loaded     map[string]bool
	bootstraps []string
	commands   []Command
}

func NewPage() *Page {
	return &Page{loaded: make(map[string]bool)}
}

// EnsureScript records the bootstrap for key the first time it is asked for
// and reports whether this call added it.
func (p *Page) EnsureScript(key, source string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded[key] {
		return false
	}
	p.loaded[key] = true
	p.bootstraps = append(p.bootstraps, source)
	return true
}

// Loaded reports whether the bootstrap for key was added.
func (p *Page) Loaded(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded[key]
}

func (p *Page) Push(cmds ...Command) {
	p.mu.Lock()
	p.commands = append(p.commands, cmds...)
	p.mu.Unlock()
}

// Commands returns a copy of the queued commands in push order.
func (p *Page) Commands() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Command, len(p.commands))
	copy(out, p.commands)
	return out
}

// Script renders bootstraps followed by every command. Empty when nothing
// was queued.
func (p *Page) Script() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.bootstraps) == 0 && len(p.commands) == 0 {
		return ""
	}

	var b strings.Builder
	for _, src := range p.bootstraps {
		b.WriteString(strings.TrimSpace(src))
		b.WriteByte('\n')
	}
	for _, c := range p.commands {
		b.WriteString(c.Fn)
		b.WriteByte('(')
		for i, a := range c.Args {
			if i > 0 {
				b.WriteByte(',')
			}
			raw, err := json.Marshal(a)
			if err != nil {
				raw = []byte("null")
			}
			b.Write(raw)
		}
		b.WriteString(");\n")
	}
	return b.String()
}
