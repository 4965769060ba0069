package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/shaiso/Signalflow/internal/domain"
)

// Catalog — набор pipelines, загруженных из директории *.yaml.
//
// Файл с ошибкой валидации не заменяет ранее загруженную версию pipeline.
type Catalog struct {
	dir      string
	logger   *slog.Logger
	debounce time.Duration

	mu        sync.RWMutex
	pipelines map[string]*domain.PipelineSpec
}

// NewCatalog создаёт пустой каталог для директории dir.
func NewCatalog(dir string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		dir:       dir,
		logger:    logger,
		debounce:  300 * time.Millisecond,
		pipelines: make(map[string]*domain.PipelineSpec),
	}
}

// Load читает все *.yaml и *.yml из директории каталога.
// Возвращает первую ошибку парсинга, остальные файлы всё равно загружаются.
func (c *Catalog) Load() error {
	if c.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read pipeline dir: %w", err)
	}

	var firstErr error
	for _, e := range entries {
		if e.IsDir() || !isPipelineFile(e.Name()) {
			continue
		}
		if err := c.loadFile(filepath.Join(c.dir, e.Name())); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Catalog) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	spec, err := ParsePipeline(data)
	if err != nil {
		c.logger.Warn("invalid pipeline file", "path", path, "error", err)
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if spec.Name == "" {
		spec.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	c.Put(spec)
	c.logger.Info("pipeline loaded", "name", spec.Name, "stages", len(spec.Stages))
	return nil
}

// Put добавляет или заменяет pipeline в каталоге.
func (c *Catalog) Put(spec *domain.PipelineSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipelines[spec.Name] = spec
}

// Get возвращает копию pipeline по имени.
func (c *Catalog) Get(name string) (*domain.PipelineSpec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec, ok := c.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}
	cp := *spec
	cp.Stages = append([]domain.StageDef(nil), spec.Stages...)
	return &cp, nil
}

// List возвращает pipelines, отсортированные по имени.
func (c *Catalog) List() []*domain.PipelineSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()

	list := make([]*domain.PipelineSpec, 0, len(c.pipelines))
	for _, spec := range c.pipelines {
		list = append(list, spec)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Watch перезагружает изменённые файлы, пока ctx не отменён.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.dir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watch %s: %w", c.dir, err)
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
	)
	flush := func() {
		mu.Lock()
		files := pending
		pending = make(map[string]struct{})
		mu.Unlock()

		for path := range files {
			if _, err := os.Stat(path); err != nil {
				continue
			}
			_ = c.loadFile(path)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isPipelineFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			mu.Lock()
			pending[event.Name] = struct{}{}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(c.debounce, flush)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("pipeline watcher error", "error", err)
		}
	}
}

func isPipelineFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
