package template

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Template file names looked up in the override directory
const (
	SubjectFile = "subject.txt"
	HTMLFile    = "body.html"
	TextFile    = "body.txt"
)

const reloadDebounce = 250 * time.Millisecond

//go:embed defaults
var defaultFS embed.FS

// sampleData is used to execute templates during validation
var sampleData = Data{
	Subject:    "Order confirmation",
	Sender:     "Shop",
	Name:       "Khách hàng",
	Phone:      "0900000000",
	Email:      "customer@example.com",
	OrderCount: 1,
	Orders: []Order{
		{Number: 1, Fields: []Field{{Label: "Delivery address", Value: MissingValue}}},
	},
}

// Default returns the built-in confirmation template
func Default() *Template {
	return &Template{
		Subject: mustReadDefault(SubjectFile),
		HTML:    mustReadDefault(HTMLFile),
		Text:    mustReadDefault(TextFile),
	}
}

func mustReadDefault(name string) string {
	b, err := defaultFS.ReadFile("defaults/" + name)
	if err != nil {
		panic(fmt.Sprintf("missing embedded template %s: %v", name, err))
	}
	return string(b)
}

// Loader serves the active confirmation template. Files found in the
// override directory replace the matching built-in file; the rest fall
// back to the defaults.
type Loader struct {
	dir    string
	engine *Engine
	logger *slog.Logger

	mu       sync.RWMutex
	current  *Template
	compiled *Compiled
}

// NewLoader loads and validates the templates
func NewLoader(dir string, engine *Engine, logger *slog.Logger) (*Loader, error) {
	l := &Loader{
		dir:    dir,
		engine: engine,
		logger: logger.With("component", "template"),
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Current returns the active template
func (l *Loader) Current() *Template {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Render renders the active template for one recipient group
func (l *Loader) Render(data Data) (*RenderResult, error) {
	l.mu.RLock()
	c := l.compiled
	l.mu.RUnlock()
	return c.Execute(data)
}

// Reload re-reads the override directory. The previous template stays
// active if the new one does not validate.
func (l *Loader) Reload() error {
	tmpl, err := l.read()
	if err != nil {
		return err
	}
	c, err := l.engine.Compile(tmpl)
	if err != nil {
		return err
	}
	if _, err := c.Execute(sampleData); err != nil {
		return err
	}

	l.mu.Lock()
	l.current = tmpl
	l.compiled = c
	l.mu.Unlock()
	return nil
}

func (l *Loader) read() (*Template, error) {
	tmpl := Default()
	if l.dir == "" {
		return tmpl, nil
	}

	for name, dst := range map[string]*string{
		SubjectFile: &tmpl.Subject,
		HTMLFile:    &tmpl.HTML,
		TextFile:    &tmpl.Text,
	} {
		b, err := os.ReadFile(filepath.Join(l.dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		*dst = string(b)
	}

	return tmpl, nil
}

// Watch reloads templates when files in the override directory change.
// It blocks until ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	if l.dir == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(l.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}

	// debounce to avoid reading partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(reloadDebounce, func() {
			if err := l.Reload(); err != nil {
				l.logger.Error("template reload failed, keeping previous", "error", err)
				return
			}
			l.logger.Info("templates reloaded", "dir", l.dir)
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	l.logger.Info("watching templates", "dir", l.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			switch filepath.Base(ev.Name) {
			case SubjectFile, HTMLFile, TextFile:
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
					l.logger.Debug("template change detected", "file", ev.Name)
					debounce()
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("template watcher error", "error", err)
		}
	}
}
