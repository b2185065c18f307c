package env

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Var maps variable names to their textual values.
type Var map[string]string

// Vars builds a Var from alternating name/value pairs. Values are formatted
// with fmt.Sprint so integers (process ids) can be passed directly.
func Vars(kv ...any) Var {
	v := make(Var, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok || k == "" {
			continue
		}
		v[k] = fmt.Sprint(kv[i+1])
	}
	return v
}

// Keys returns the variable names in a stable order, longest first, so that a
// name is never shadowed by a shorter name it starts with.
func (v Var) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// LegacyPrefix is the placeholder prefix used by older automation scripts
// (process.env.NAME) in addition to ${NAME}.
const LegacyPrefix = "process.env."

// Expand substitutes every ${NAME} and process.env.NAME placeholder in s.
// Substitution is a single pass; substituted values are not expanded again.
// Unknown placeholders are left untouched.
func Expand(s string, vars Var) string {
	if len(vars) == 0 {
		return s
	}
	keys := vars.Keys()
	pairs := make([]string, 0, len(keys)*4)
	for _, k := range keys {
		pairs = append(pairs, "${"+k+"}", vars[k])
	}
	for _, k := range keys {
		pairs = append(pairs, LegacyPrefix+k, vars[k])
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// Env composes the environment handed to launched client processes.
type Env struct {
	Var Var // global variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			v := kv[i+1:]
			if k == "" {
				continue
			}
			base[k] = v
		}
	}
	e.env = base
}

// WithSet returns a copy of e with K=V applied.
func (e *Env) WithSet(k, v string) *Env {
	n := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		n.Var[kk] = vv
	}
	if k != "" {
		n.Var[k] = v
	}
	return n
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply global e.Var overrides
// then apply perSlot (slice of "K=V") overrides
// ${VAR} references are expanded once against the composed map.
func (e *Env) Merge(perSlot []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var)
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perSlot {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for _, k := range m.Keys() {
		out = append(out, k+"="+expandBraces(m[k], m))
	}
	return out
}

func expandBraces(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	keys := m.Keys()
	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		pairs = append(pairs, "${"+k+"}", m[k])
	}
	return strings.NewReplacer(pairs...).Replace(s)
}
