package strategy

import (
	"log"
	"sort"
	"strings"
)

// Factory builds a configured strategy instance.
type Factory func(p Params) Strategy

var registry = map[string]Factory{
	"conservative": func(p Params) Strategy { return NewConservative(p) },
	"scalping":     func(p Params) Strategy { return NewScalping(p) },
	"risefall":     func(p Params) Strategy { return NewRiseFall(p) },
	"rsi":          func(p Params) Strategy { return NewRSIReversal(p) },
	"bollinger":    func(p Params) Strategy { return NewBollinger(p) },
}

// Register adds a custom strategy factory under the given name,
// replacing any existing entry. Call it during startup, before any
// session is running; the registry is not guarded for concurrent writes.
func Register(name string, f Factory) {
	registry[normalize(name)] = f
}

// New builds the named strategy. Unknown names fall back to the
// conservative default so a bad request cannot leave a session without an
// entry rule.
func New(name string, p Params) Strategy {
	if f, ok := registry[normalize(name)]; ok {
		return f(p)
	}
	log.Printf("[Strategy] ⚠️ unknown strategy %q, using conservative", name)
	return NewConservative(p)
}

// Known reports whether name resolves without the fallback.
func Known(name string) bool {
	_, ok := registry[normalize(name)]
	return ok
}

// Names lists the registered strategies.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
