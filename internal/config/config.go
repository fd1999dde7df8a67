// Package config implements the process-wide Config Registry: a typed,
// validated settings store populated lazily from, in precedence order,
// declared defaults, a JSON file (the last command-line argument, read by
// the master only), and environment variables (read by every process).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/tidwall/gjson"
)

// Kind is the declared type of a config key.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindObject
)

// Validator inspects a raw value after type coercion and returns an error
// if it is unacceptable.
type Validator func(value any) error

type keyDef struct {
	name      string
	kind      Kind
	def       any
	hasDef    bool
	required  bool
	validator Validator
	pattern   *regexp.Regexp // non-nil for pattern-registered keys
}

// Registry is a typed key/value store with layered precedence.
type Registry struct {
	mu       sync.RWMutex
	defs     []*keyDef // order of registration, for deterministic fatal messages
	byName   map[string]*keyDef
	patterns []*keyDef
	values   map[string]any
	loaded   bool

	envPrefix string
}

// New creates an empty Registry. envPrefix is prepended (with an
// underscore) to every key name to form its environment variable, e.g.
// prefix "VSERVER" + key "DBHOST" -> "VSERVER_DBHOST".
func New(envPrefix string) *Registry {
	return &Registry{
		byName:    make(map[string]*keyDef),
		values:    make(map[string]any),
		envPrefix: envPrefix,
	}
}

// Register declares a key. def may be nil if the key has no default (in
// which case it becomes required).
func (r *Registry) Register(name string, kind Kind, def any, validator Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kd := &keyDef{name: name, kind: kind, def: def, hasDef: def != nil, required: def == nil, validator: validator}
	r.byName[strings.ToUpper(name)] = kd
	r.defs = append(r.defs, kd)
}

// RegisterPattern declares a family of keys matching re, sharing a single
// validator. Matching env vars and file keys are picked up at Load time.
func (r *Registry) RegisterPattern(re *regexp.Regexp, kind Kind, validator Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kd := &keyDef{kind: kind, validator: validator, pattern: re}
	r.patterns = append(r.patterns, kd)
	r.defs = append(r.defs, kd)
}

// Load resolves every registered key. fileArg is the path to an optional
// JSON document (the last CLI argument); pass "" if none was given.
// dotenvPath, when non-empty, is a .env path preloaded into the process
// environment before env vars are read (development convenience only).
func (r *Registry) Load(fileArg string, dotenvPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dotenvPath != "" {
		_ = godotenv.Load(dotenvPath) // best effort; absence is not an error
	}

	var fileDoc []byte
	if fileArg != "" {
		data, err := os.ReadFile(fileArg)
		if err != nil {
			return fmt.Errorf("read config file %q: %w", fileArg, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("config file %q is not valid JSON", fileArg)
		}
		fileDoc = data
	}

	var missing []string
	for _, kd := range r.defs {
		if kd.pattern != nil {
			r.loadPatternKeys(kd, fileDoc)
			continue
		}
		val, found := r.resolveOne(kd, fileDoc)
		if !found {
			if kd.required {
				missing = append(missing, kd.name)
			}
			continue
		}
		if kd.validator != nil {
			if err := kd.validator(val); err != nil {
				return fmt.Errorf("config key %s: %w", kd.name, err)
			}
		}
		r.values[strings.ToUpper(kd.name)] = val
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config keys: %s", strings.Join(missing, ", "))
	}

	r.loaded = true
	return nil
}

func (r *Registry) resolveOne(kd *keyDef, fileDoc []byte) (any, bool) {
	envName := r.envPrefix + "_" + strings.ToUpper(kd.name)
	if raw, ok := os.LookupEnv(envName); ok {
		return coerce(kd.kind, raw)
	}
	if len(fileDoc) > 0 {
		res := gjson.GetBytes(fileDoc, kd.name)
		if res.Exists() {
			return coerceGJSON(kd.kind, res)
		}
	}
	if kd.hasDef {
		return kd.def, true
	}
	return nil, false
}

func (r *Registry) loadPatternKeys(kd *keyDef, fileDoc []byte) {
	prefix := r.envPrefix + "_"
	for _, e := range os.Environ() {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		name := strings.TrimPrefix(parts[0], prefix)
		if !kd.pattern.MatchString(name) {
			continue
		}
		val, ok := coerce(kd.kind, parts[1])
		if !ok {
			continue
		}
		if kd.validator != nil {
			if err := kd.validator(val); err != nil {
				continue
			}
		}
		r.values[strings.ToUpper(name)] = val
	}
	if len(fileDoc) > 0 {
		parsed := gjson.ParseBytes(fileDoc)
		parsed.ForEach(func(key, value gjson.Result) bool {
			name := key.String()
			if !kd.pattern.MatchString(name) {
				return true
			}
			if _, already := r.values[strings.ToUpper(name)]; already {
				return true
			}
			val, ok := coerceGJSON(kd.kind, value)
			if !ok {
				return true
			}
			r.values[strings.ToUpper(name)] = val
			return true
		})
	}
}

func coerce(kind Kind, raw string) (any, bool) {
	switch kind {
	case KindString:
		return raw, true
	case KindNumber:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, false
		}
		return n, true
	case KindBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, false
		}
		return b, true
	case KindObject:
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, false
		}
		return v, true
	}
	return nil, false
}

func coerceGJSON(kind Kind, res gjson.Result) (any, bool) {
	switch kind {
	case KindString:
		return res.String(), true
	case KindNumber:
		return res.Float(), true
	case KindBool:
		return res.Bool(), true
	case KindObject:
		return res.Value(), true
	}
	return nil, false
}

// String returns a string-typed value, or "" if unset.
func (r *Registry) String(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, _ := r.values[strings.ToUpper(name)].(string)
	return v
}

// Number returns a number-typed value, or 0 if unset.
func (r *Registry) Number(name string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, _ := r.values[strings.ToUpper(name)].(float64)
	return v
}

// Int is a convenience wrapper over Number.
func (r *Registry) Int(name string) int { return int(r.Number(name)) }

// Bool returns a bool-typed value, or false if unset.
func (r *Registry) Bool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, _ := r.values[strings.ToUpper(name)].(bool)
	return v
}

// Object returns an object/array-typed value, or nil if unset.
func (r *Registry) Object(name string) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.values[strings.ToUpper(name)]
}

// Has reports whether a key resolved to a value.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.values[strings.ToUpper(name)]
	return ok
}

// Env renders every resolved key as an "<envPrefix>_<NAME>=<value>"
// string, so the master can pass its fully-resolved configuration
// (including anything that only came from the JSON file) down to
// re-exec'd workers through the environment alone: §4.1 has the file
// read "master-only", so a worker that never sees the file argument
// must still observe the same values via env.
func (r *Registry) Env() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.values))
	for name, v := range r.values {
		out = append(out, r.envPrefix+"_"+name+"="+envValue(v))
	}
	return out
}

func envValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// PatternValues returns every resolved string value whose key starts
// with prefix, sorted by key. Used to collect a RegisterPattern
// family's values (e.g. the CORS_* keys) without the caller needing to
// know which specific suffixes were set.
func (r *Registry) PatternValues(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	type kv struct {
		k string
		v string
	}
	var matched []kv
	for name, v := range r.values {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			matched = append(matched, kv{name, s})
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].k < matched[j].k })
	out := make([]string, len(matched))
	for i, m := range matched {
		out[i] = m.v
	}
	return out
}

// Workers resolves the WORKERS key against detected CPU count: negative
// values subtract from runtime.NumCPU(), zero or positive values are
// absolute worker counts.
func (r *Registry) Workers() int {
	n := r.Int("WORKERS")
	if n < 0 {
		count := runtime.NumCPU() + n
		if count < 1 {
			count = 1
		}
		return count
	}
	if n == 0 {
		return 1
	}
	return n
}
