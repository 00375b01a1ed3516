package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/changeflow/changeflow/pkg/config"
)

// reloadDelay collapses editor save bursts into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads user policies from .rego and .json files.
//
// A .rego file becomes a policy named after the file. Leading comment lines
// form its description, and a "# severity: <level>" line sets its severity.
// A .json file holds a serialized Policy.
//
// Parsed files are cached by path and reparsed when their size or
// modification time changes.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	modTime time.Time
	size    int64
	policy  Policy
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads the policies under paths. Explicitly named files must
// parse; broken files inside a directory are logged and skipped. Two files
// defining the same policy name are an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var (
		policies []Policy
		sources  = make(map[string]string)
	)

	for _, path := range paths {
		loaded, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		for _, p := range loaded {
			src, _ := p.Metadata["source"].(string)
			if prev, dup := sources[p.Name]; dup {
				return nil, fmt.Errorf("policy %q defined in both %s and %s", p.Name, prev, src)
			}
			sources[p.Name] = src
			policies = append(policies, p)
		}
	}

	l.logger.Debug().Int("policies", len(policies)).Int("paths", len(paths)).Msg("Loaded user policies")
	return policies, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}
	return l.loadFromDirectory(ctx, path)
}

// loadFromDirectory loads every policy file below dir in lexical order.
func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(files)

	policies := make([]Policy, 0, len(files))
	for _, file := range files {
		p, err := l.loadFromFile(ctx, file)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", file).Msg("Skipping unreadable policy file")
			continue
		}
		policies = append(policies, *p)
	}
	return policies, nil
}

// loadFromFile returns the policy in path, reparsing it only when the file
// changed since it was cached.
func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) {
		p := cached.policy
		return &p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p = l.regoPolicy(path, string(data))
	case ".json":
		if p, err = jsonPolicy(path, data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported policy file %s: want .rego or .json", path)
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), size: info.Size(), policy: *p}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Str("severity", string(p.Severity)).Msg("Parsed policy file")
	return p, nil
}

func (l *Loader) regoPolicy(path, content string) *Policy {
	h := parseHeader(content)
	if h.badSeverity != "" {
		l.logger.Warn().Str("path", path).Str("severity", h.badSeverity).Msg("Unknown policy severity, using warning")
	}

	severity := h.severity
	if severity == "" {
		severity = SeverityWarning
	}

	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: h.description,
		Rego:        content,
		Severity:    severity,
		Enabled:     true,
		Metadata:    map[string]interface{}{"source": path},
	}
}

func jsonPolicy(path string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid policy JSON in %s: %w", path, err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("policy in %s has no name", path)
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	p.Builtin = false
	if p.Metadata == nil {
		p.Metadata = map[string]interface{}{}
	}
	p.Metadata["source"] = path
	return &p, nil
}

// header is what the leading comment block of a .rego file declares.
type header struct {
	description string
	severity    Severity
	badSeverity string
}

// parseHeader reads the comment lines before the first statement. Blank
// lines inside the block are allowed.
func parseHeader(content string) header {
	var (
		h     header
		lines []string
	)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		text, ok := strings.CutPrefix(line, "#")
		if !ok {
			break
		}
		text = strings.TrimSpace(text)

		if v, ok := strings.CutPrefix(text, "severity:"); ok {
			s := Severity(strings.TrimSpace(v))
			switch s {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				h.severity = s
			default:
				h.badSeverity = string(s)
			}
			continue
		}
		if text != "" {
			lines = append(lines, text)
		}
	}
	h.description = strings.Join(lines, " ")
	return h
}

// Forget drops cached copies of paths, or the whole cache when none are given.
func (l *Loader) Forget(paths ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(paths) == 0 {
		l.cache = make(map[string]cachedPolicy)
		return
	}
	for _, p := range paths {
		delete(l.cache, p)
	}
}

// Watch reloads the policies under paths whenever a policy file changes and
// hands them to reload. It returns once watching has started and stops when
// ctx is cancelled. A failed reload keeps the previous policies in force.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	w := config.NewWatcher(paths, reloadDelay, func(ctx context.Context, changed []string) {
		l.Forget(changed...)

		policies, err := l.LoadFromPaths(ctx, paths)
		if err == nil {
			err = reload(policies)
		}
		if err != nil {
			l.logger.Error().Err(err).Strs("changed", changed).Msg("Policy reload failed, keeping previous policies")
			return
		}
		l.logger.Info().Int("policies", len(policies)).Msg("Policies reloaded")
	}, config.WithFileFilter(isPolicyFile), config.WithComponent("policy-watcher"))

	return w.Start(ctx)
}

func isPolicyFile(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".rego" || ext == ".json"
}
