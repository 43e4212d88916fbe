// Package commands discovers project commands: markdown files under a
// project's .claude/commands/ directory whose body becomes an agent prompt.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const commandsSubdir = ".claude/commands"

// Command is one entry from a project's command directory.
type Command struct {
	// Name is the filename stem, used as the callback parameter.
	Name string

	// Path is the absolute path of the markdown file.
	Path string

	// Description is the file's first line with any heading prefix removed.
	Description string
}

// Content reads the command's full markdown body, which is what gets sent
// to the agent as the prompt.
func (c Command) Content() (string, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return "", fmt.Errorf("read command %s: %w", c.Name, err)
	}
	return string(data), nil
}

// Discover scans <workingDir>/.claude/commands/ for *.md files. A missing
// directory is not an error; it just means no commands.
func Discover(workingDir string) ([]Command, error) {
	dir := filepath.Join(workingDir, commandsSubdir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan commands dir: %w", err)
	}

	var cmds []Command
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		name := strings.TrimSuffix(entry.Name(), ".md")
		cmds = append(cmds, Command{
			Name:        name,
			Path:        path,
			Description: readDescription(path, name),
		})
	}

	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds, nil
}

// readDescription returns the first line of the file without a markdown
// heading prefix, falling back to a title-cased filename.
func readDescription(path, name string) string {
	fallback := titleFromName(name)

	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	first, _, _ := strings.Cut(string(data), "\n")
	first = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(first), "#"))
	if first == "" {
		return fallback
	}
	return first
}

func titleFromName(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// Registry caches discovered commands per project directory and refreshes
// the cache when the command files change on disk.
type Registry struct {
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string][]Command

	watcher *fsnotify.Watcher
	watched map[string]bool
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger,
		cache:   map[string][]Command{},
		watched: map[string]bool{},
	}
}

// Commands returns the project's commands, scanning the directory on first
// use and serving from cache afterwards.
func (r *Registry) Commands(workingDir string) ([]Command, error) {
	r.mu.Lock()
	if cached, ok := r.cache[workingDir]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	cmds, err := Discover(workingDir)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[workingDir] = cmds
	r.mu.Unlock()
	r.watch(workingDir)
	return cmds, nil
}

// Lookup finds one command by name within a project directory.
func (r *Registry) Lookup(workingDir, name string) (Command, bool) {
	cmds, err := r.Commands(workingDir)
	if err != nil {
		return Command{}, false
	}
	for _, cmd := range cmds {
		if cmd.Name == name {
			return cmd, true
		}
	}
	return Command{}, false
}

// Invalidate drops the cached listing for a project directory so the next
// Commands call rescans.
func (r *Registry) Invalidate(workingDir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, workingDir)
}

// Watch starts the fsnotify loop that invalidates cached listings when
// command files change. It returns after ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	r.mu.Lock()
	r.watcher = watcher
	// Directories requested before the watcher existed.
	pending := make([]string, 0, len(r.watched))
	for dir := range r.watched {
		pending = append(pending, dir)
	}
	r.mu.Unlock()

	for _, dir := range pending {
		if err := watcher.Add(dir); err != nil {
			r.logger.Warn("watch commands dir", "dir", dir, "error", err)
		}
	}

	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			r.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("command watcher error", "error", err)
		}
	}
}

// watch registers a project's command directory with the watcher; before
// Watch has started, the directory is queued.
func (r *Registry) watch(workingDir string) {
	dir := filepath.Join(workingDir, commandsSubdir)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return
	}

	r.mu.Lock()
	if r.watched[dir] {
		r.mu.Unlock()
		return
	}
	r.watched[dir] = true
	watcher := r.watcher
	r.mu.Unlock()

	if watcher == nil {
		return
	}
	if err := watcher.Add(dir); err != nil {
		r.logger.Warn("watch commands dir", "dir", dir, "error", err)
	}
}

func (r *Registry) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".md") {
		return
	}
	// event.Name = <workingDir>/.claude/commands/<file>.md
	workingDir := filepath.Dir(filepath.Dir(filepath.Dir(event.Name)))
	r.logger.Debug("project commands changed",
		"dir", workingDir, "file", filepath.Base(event.Name), "op", event.Op.String())
	r.Invalidate(workingDir)
}
