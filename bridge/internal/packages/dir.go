package packages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	manifestJSON  = "agent.json"
	manifestYAML  = "agent.yaml"
	soulFile      = "SOUL.md"
	bootstrapFile = "BOOTSTRAP.md"
)

// Dir is a Store backed by a directory containing one subdirectory per
// package. Bundles are cached until Watch sees a change in their directory.
type Dir struct {
	root   string
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Bundle
}

// NewDir creates a Store rooted at root.
func NewDir(root string, logger *slog.Logger) *Dir {
	return &Dir{
		root:   root,
		logger: logger.With("component", "packages"),
		cache:  make(map[string]*Bundle),
	}
}

// Root returns the package directory.
func (d *Dir) Root() string { return d.root }

// Lookup returns the bundle for name. Unknown or malformed names yield
// ErrNotFound. A missing SOUL.md is an error; a missing BOOTSTRAP.md is not.
func (d *Dir) Lookup(name string) (*Bundle, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	d.mu.RLock()
	b, ok := d.cache[name]
	d.mu.RUnlock()
	if ok {
		return b, nil
	}

	b, err := d.load(name)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cache[name] = b
	d.mu.Unlock()
	return b, nil
}

func (d *Dir) load(name string) (*Bundle, error) {
	dir := filepath.Join(d.root, name)

	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	if m.Name == "" {
		m.Name = name
	}

	soul, err := os.ReadFile(filepath.Join(dir, soulFile))
	if err != nil {
		return nil, fmt.Errorf("read %s for %s: %w", soulFile, name, err)
	}
	bootstrap, err := os.ReadFile(filepath.Join(dir, bootstrapFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s for %s: %w", bootstrapFile, name, err)
	}

	m.Files, err = listFiles(dir)
	if err != nil {
		return nil, err
	}

	return &Bundle{Manifest: *m, Soul: string(soul), Bootstrap: string(bootstrap)}, nil
}

// readManifest prefers agent.json and falls back to agent.yaml. A directory
// with neither is not a package.
func readManifest(dir string) (*Manifest, error) {
	var m Manifest

	data, err := os.ReadFile(filepath.Join(dir, manifestJSON))
	if err == nil {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, manifestJSON), err)
		}
		return &m, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	data, err = os.ReadFile(filepath.Join(dir, manifestYAML))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Base(dir))
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, manifestYAML), err)
	}
	return &m, nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files = append(files, e.Name())
	}
	return files, nil
}

// List returns the manifests of every package, sorted by name. Broken
// packages are logged and skipped.
func (d *Dir) List() ([]Manifest, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}

	var out []Manifest
	for _, e := range entries {
		if !e.IsDir() || !ValidName(e.Name()) {
			continue
		}
		m, err := readManifest(filepath.Join(d.root, e.Name()))
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				d.logger.Warn("skipping broken package", "agent_pkg", e.Name(), "error", err)
			}
			continue
		}
		if m.Name == "" {
			m.Name = e.Name()
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Invalidate drops the cached bundle for name.
func (d *Dir) Invalidate(name string) {
	d.mu.Lock()
	delete(d.cache, name)
	d.mu.Unlock()
}

// Watch invalidates cached bundles whenever a file in their package
// directory changes. It returns once the watcher is installed and stops
// when ctx is canceled.
func (d *Dir) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(d.root); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", d.root, err)
	}
	entries, _ := os.ReadDir(d.root)
	for _, e := range entries {
		if e.IsDir() {
			_ = fsw.Add(filepath.Join(d.root, e.Name()))
		}
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				d.handleEvent(fsw, ev)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				d.logger.Error("package watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (d *Dir) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(d.root, ev.Name)
	if err != nil || rel == "." {
		return
	}
	name := strings.Split(filepath.ToSlash(rel), "/")[0]

	// A new package directory needs its own watch.
	if ev.Op&fsnotify.Create != 0 && !strings.Contains(filepath.ToSlash(rel), "/") {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			_ = fsw.Add(ev.Name)
		}
	}

	d.Invalidate(name)
	d.logger.Debug("package changed", "agent_pkg", name, "op", ev.Op.String())
}
