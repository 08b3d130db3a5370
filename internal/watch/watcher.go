// Package watch turns a hot folder into transcription batches. Files
// dropped into the watched directory are queued once their size stops
// changing, so half-copied files are never picked up. Files are left in
// place; a restart re-queues whatever is still in the folder.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/audioscribe/backend/internal/batch"
	"github.com/audioscribe/backend/internal/storage"
)

// Enqueuer accepts new work. *batch.Orchestrator satisfies it.
type Enqueuer interface {
	Enqueue(specs []batch.FileSpec) (*batch.Batch, error)
}

const defaultPollInterval = 2 * time.Second

type Watcher struct {
	dir      string
	queue    Enqueuer
	language string
	interval time.Duration

	mu      sync.Mutex
	pending map[string]int64 // path -> last observed size, -1 = unknown
}

func New(dir string, queue Enqueuer, language string) *Watcher {
	return &Watcher{
		dir:      dir,
		queue:    queue,
		language: language,
		interval: defaultPollInterval,
		pending:  make(map[string]int64),
	}
}

// Run watches the folder until the context ends. Blocking; callers
// start it in a goroutine.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	log.Printf("[watch] watching %s", w.dir)

	// Files already sitting in the folder go through the same
	// stability check as new arrivals.
	w.scanExisting()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.consider(event.Name)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Printf("[watch] watcher error: %v", err)
		case <-ticker.C:
			w.pollPending()
		}
	}
}

func (w *Watcher) scanExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("[watch] scan %s: %v", w.dir, err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.consider(filepath.Join(w.dir, entry.Name()))
		}
	}
}

// consider marks a path for stability polling. Writes reset the size to
// unknown, so a file still being copied keeps waiting.
func (w *Watcher) consider(path string) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !storage.IsAudioFile(name) {
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	w.mu.Lock()
	w.pending[path] = -1
	w.mu.Unlock()
}

// pollPending enqueues files whose size held steady across two polls.
func (w *Watcher) pollPending() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for path := range w.pending {
		paths = append(paths, path)
	}
	w.mu.Unlock()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			w.forget(path)
			continue
		}
		size := info.Size()

		w.mu.Lock()
		last := w.pending[path]
		stable := last == size && size > 0
		if !stable {
			w.pending[path] = size
		}
		w.mu.Unlock()

		if !stable {
			continue
		}
		if err := w.enqueue(path, size); err != nil {
			// Queue pressure is transient; try again next poll.
			log.Printf("[watch] enqueue %s: %v", filepath.Base(path), err)
			continue
		}
		w.forget(path)
	}
}

func (w *Watcher) enqueue(path string, size int64) error {
	b, err := w.queue.Enqueue([]batch.FileSpec{{
		Path:     path,
		Name:     filepath.Base(path),
		Size:     size,
		Language: w.language,
	}})
	if err != nil {
		return err
	}
	log.Printf("[watch] queued %s as batch %s", filepath.Base(path), b.ID)
	return nil
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	w.mu.Unlock()
}
