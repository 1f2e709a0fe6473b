// Package loader resolves {% include %} tags by textual substitution so the
// path extractor sees one flat template.
package loader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/logging"
	"github.com/conneroisu/liveweave/internal/tmpl"
	"github.com/conneroisu/liveweave/internal/watcher"
)

// DefaultMaxDepth is the include nesting limit.
const DefaultMaxDepth = 6

// Loader reads templates from a set of search directories.
type Loader struct {
	fs       billy.Filesystem
	dirs     []string
	maxDepth int
	logger   logging.Logger

	mu       sync.RWMutex
	resolved map[string]string
}

// Option configures a Loader.
type Option func(*Loader)

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxDepth = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(l *Loader) {
		l.logger = logging.OrNop(logger).WithComponent("loader")
	}
}

// New returns a loader over fs searching dirs in order. An empty dirs
// searches the filesystem root.
func New(fs billy.Filesystem, dirs []string, opts ...Option) *Loader {
	if len(dirs) == 0 {
		dirs = []string{""}
	}
	l := &Loader{
		fs:       fs,
		dirs:     append([]string(nil), dirs...),
		maxDepth: DefaultMaxDepth,
		logger:   logging.NewNop(),
		resolved: make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewOS returns a loader over the host filesystem rooted at the working
// directory.
func NewOS(dirs []string, opts ...Option) *Loader {
	return New(osfs.New("."), dirs, opts...)
}

// Dirs returns the search directories.
func (l *Loader) Dirs() []string {
	return append([]string(nil), l.dirs...)
}

// Find returns the filesystem path of the named template.
func (l *Loader) Find(name string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(name, "/"))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", errors.NewValidationError(errors.ErrCodeTemplateNotFound,
			fmt.Sprintf("invalid template name %q", name))
	}
	for _, dir := range l.dirs {
		p := path.Join(dir, clean)
		if fi, err := l.fs.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", errors.NewIOError(errors.ErrCodeTemplateNotFound,
		fmt.Sprintf("template %q not found", name), os.ErrNotExist).
		WithContext("dirs", l.dirs)
}

func (l *Loader) read(p string) (string, error) {
	f, err := l.fs.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Source returns the raw text of the named template, includes untouched.
func (l *Loader) Source(name string) (string, error) {
	p, err := l.Find(name)
	if err != nil {
		return "", err
	}
	text, err := l.read(p)
	if err != nil {
		return "", errors.WrapIO(err, errors.ErrCodeFileNotFound, "read template").
			WithContext("path", p)
	}
	return text, nil
}

// Load returns the named template with every resolvable include
// substituted. Results are cached until Invalidate or Reset.
func (l *Loader) Load(name string) (string, error) {
	l.mu.RLock()
	text, ok := l.resolved[name]
	l.mu.RUnlock()
	if ok {
		return text, nil
	}

	src, err := l.Source(name)
	if err != nil {
		return "", err
	}
	text = l.resolve(src, []string{name})

	l.mu.Lock()
	l.resolved[name] = text
	l.mu.Unlock()
	return text, nil
}

// Resolve substitutes the includes of src. Includes that name a missing
// template, a variable, a cycle, or exceed the depth limit stay as literal
// text.
func (l *Loader) Resolve(src string) string {
	return l.resolve(src, nil)
}

func (l *Loader) resolve(src string, stack []string) string {
	tokens, err := tmpl.Lex(src)
	if err != nil {
		// Malformed text is left alone; the extractor reports nothing for it.
		return src
	}

	var b strings.Builder
	b.Grow(len(src))
	for _, tok := range tokens {
		if tok.Kind != tmpl.TokenBlock || !strings.HasPrefix(tok.Value, "include ") {
			b.WriteString(tok.Raw)
			continue
		}
		b.WriteString(l.expand(tok, stack))
	}
	return b.String()
}

// expand returns the text that replaces one include tag.
func (l *Loader) expand(tok tmpl.Token, stack []string) string {
	ctx := context.Background()
	args := strings.TrimSpace(strings.TrimPrefix(tok.Value, "include"))
	inc, err := tmpl.ParseInclude(args)
	if err != nil || !inc.Template.Operand.IsLiteral {
		return tok.Raw
	}
	name, ok := inc.Template.Operand.Literal.(string)
	if !ok || name == "" {
		return tok.Raw
	}

	for _, seen := range stack {
		if seen == name {
			l.logger.Warn(ctx, errors.NewValidationError(errors.ErrCodeIncludeCycle, "include cycle"),
				"Include left unresolved", "template", name, "line", tok.Line)
			return tok.Raw
		}
	}
	if len(stack) >= l.maxDepth {
		l.logger.Warn(ctx, errors.NewValidationError(errors.ErrCodeIncludeDepth, "include depth exceeded"),
			"Include left unresolved", "template", name, "depth", len(stack))
		return tok.Raw
	}

	src, err := l.Source(name)
	if err != nil {
		l.logger.Debug(ctx, "Include not found", "template", name, "line", tok.Line)
		return tok.Raw
	}

	next := make([]string, len(stack), len(stack)+1)
	copy(next, stack)
	body := l.resolve(src, append(next, name))

	if with := withClause(args); with != "" {
		return "{% with " + with + " %}" + body + "{% endwith %}"
	}
	return body
}

// withClause returns the raw binding text of an include tag, without the
// trailing "only".
func withClause(args string) string {
	_, rest, ok := strings.Cut(args, " with ")
	if !ok {
		return ""
	}
	rest = strings.TrimSpace(rest)
	rest = strings.TrimSpace(strings.TrimSuffix(rest, " only"))
	if rest == "only" {
		return ""
	}
	return rest
}

// Invalidate drops cached text. A changed file may be included anywhere,
// so any invalidation clears every entry that could contain it.
func (l *Loader) Invalidate(paths ...string) {
	if len(paths) == 0 {
		return
	}
	l.Reset()
}

// Reset drops all cached text.
func (l *Loader) Reset() {
	l.mu.Lock()
	l.resolved = make(map[string]string)
	l.mu.Unlock()
}

// Cached returns the names with cached resolved text, sorted.
func (l *Loader) Cached() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.resolved))
	for name := range l.resolved {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the template names found under the search directories,
// relative to their directory and sorted. A name found in several
// directories is reported once.
func (l *Loader) List() ([]string, error) {
	seen := make(map[string]bool)
	for _, dir := range l.dirs {
		if err := l.walk(dir, "", seen); err != nil {
			return nil, err
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (l *Loader) walk(dir, rel string, seen map[string]bool) error {
	entries, err := l.fs.ReadDir(path.Join(dir, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.WrapIO(err, errors.ErrCodeFileNotFound, "list templates")
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		child := path.Join(rel, e.Name())
		if e.IsDir() {
			if err := l.walk(dir, child, seen); err != nil {
				return err
			}
			continue
		}
		if watcher.TemplateFilter(child) {
			seen[child] = true
		}
	}
	return nil
}

// Handler returns a watcher handler that invalidates cached text, then
// calls onChange (if non-nil) with the changed paths.
func (l *Loader) Handler(onChange func(paths []string)) watcher.ChangeHandler {
	return func(events []watcher.ChangeEvent) error {
		paths := make([]string, len(events))
		for i, e := range events {
			paths[i] = e.Path
		}
		l.Invalidate(paths...)
		l.logger.Debug(context.Background(), "Template cache invalidated", "files", len(paths))
		if onChange != nil {
			onChange(paths)
		}
		return nil
	}
}
