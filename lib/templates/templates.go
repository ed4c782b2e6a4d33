// Package templates serves the prompt template catalog. Templates live in
// one YAML file; a watcher re-reads it on change so edits land without a
// daemon restart. A broken edit never wipes the working set: the previous
// catalog stays active until the file parses again.
package templates

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/ghodss/yaml"
	"github.com/samber/lo"
)

// Template is one named prompt. Variables declares which ${name}
// placeholders the body expects; Render fails when one has no value.
type Template struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Body        string   `json:"body"`
	Variables   []string `json:"variables"`
}

type catalogFile struct {
	Templates []Template `json:"templates"`
}

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z0-9_][A-Za-z0-9_.-]*)\}`)

// Catalog is the live template set. Safe for concurrent use.
type Catalog struct {
	path      string
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	closeOnce sync.Once

	mu        sync.RWMutex
	templates map[string]Template
}

// Load reads the catalog at path and starts watching its directory. A
// missing file yields an empty catalog that fills in once the file appears.
func Load(path string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		path:      path,
		logger:    logger.With("component", "templates"),
		templates: make(map[string]Template),
	}
	if err := c.reload(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		c.logger.Info("template catalog absent, starting empty", "path", path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by rename,
	// which silently kills a watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	c.watcher = watcher
	go c.watchLoop()
	return c, nil
}

// Close stops the watcher.
func (c *Catalog) Close() {
	c.closeOnce.Do(func() {
		_ = c.watcher.Close()
	})
}

// Get looks one template up by name.
func (c *Catalog) Get(name string) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[name]
	return t, ok
}

// List returns every template sorted by name.
func (c *Catalog) List() []Template {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := lo.Values(c.templates)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports how many templates are loaded.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.templates)
}

// Render substitutes ${name} placeholders in the template body. Declared
// variables without a value fail; undeclared placeholders pass through
// untouched so literal ${...} text survives.
func (c *Catalog) Render(name string, vars map[string]string) (string, error) {
	tpl, ok := c.Get(name)
	if !ok {
		return "", fmt.Errorf("templates: no template %q", name)
	}

	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(tpl.Body, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		if v, found := vars[key]; found {
			return v
		}
		if lo.Contains(tpl.Variables, key) {
			missing = append(missing, key)
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("templates: %q needs values for: %s",
			name, strings.Join(lo.Uniq(missing), ", "))
	}
	return out, nil
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", c.path, err)
	}

	next := make(map[string]Template, len(file.Templates))
	for _, t := range file.Templates {
		if t.Name == "" {
			return fmt.Errorf("parse %s: template with empty name", c.path)
		}
		if _, dup := next[t.Name]; dup {
			return fmt.Errorf("parse %s: duplicate template %q", c.path, t.Name)
		}
		next[t.Name] = t
	}

	c.mu.Lock()
	c.templates = next
	c.mu.Unlock()
	return nil
}

func (c *Catalog) watchLoop() {
	want := filepath.Base(c.path)
	for {
		select {
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != want {
				continue
			}
			// Removes and renames keep the last good catalog; only fresh
			// content triggers a reload.
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			if err := c.reload(); err != nil {
				c.logger.Warn("template reload failed, keeping previous catalog", "err", err)
				continue
			}
			c.logger.Info("template catalog reloaded", "count", c.Len())
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("template watcher error", "err", err)
		}
	}
}
