package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sourcegraph/conc"
)

const (
	// defaultRetention is how long spooled message files are kept.
	defaultRetention = time.Minute

	spoolExt = ".msg"
)

// DirBus is a Bus shared by processes through a spool directory. Each topic
// is a subdirectory; Publish writes one file per message (temp file then
// rename, so readers never see partial writes) and every DirBus watching the
// directory dispatches new files to its subscribers.
//
// Thread-safety: DirBus is safe for concurrent use. Handlers run on the
// watcher goroutine.
type DirBus struct {
	root      string
	self      string
	retention time.Duration
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	wg        conc.WaitGroup
	seq       atomic.Uint64

	mu     sync.Mutex
	subs   map[string]map[int]Handler
	nextID int
	closed bool
	done   chan struct{}
}

var _ Bus = (*DirBus)(nil)

// DirOption configures a DirBus.
type DirOption func(*DirBus)

// WithRetention sets how long spooled files survive before pruning.
func WithRetention(d time.Duration) DirOption {
	return func(b *DirBus) {
		if d > 0 {
			b.retention = d
		}
	}
}

// OpenDir starts a bus rooted at dir for the context self.
func OpenDir(dir, self string, opts ...DirOption) (*DirBus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bus: create spool: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("bus: create watcher: %w", err)
	}
	b := &DirBus{
		root:      dir,
		self:      self,
		retention: defaultRetention,
		logger:    slog.Default().With("component", "bus", "tab", self),
		watcher:   watcher,
		subs:      make(map[string]map[int]Handler),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Go(b.watchLoop)
	return b, nil
}

// Publish spools msg under topic.
func (b *DirBus) Publish(topic string, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if msg.From == "" {
		msg.From = b.self
	}
	dir, err := b.topicDir(topic)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal message: %w", err)
	}
	name := fmt.Sprintf("%020d-%s-%d%s", time.Now().UnixNano(), sanitize(b.self), b.seq.Add(1), spoolExt)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("bus: write message: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("bus: publish message: %w", err)
	}
	b.prune(dir)
	return nil
}

// Subscribe starts watching topic and registers h.
func (b *DirBus) Subscribe(topic string, h Handler) (func(), error) {
	dir, err := b.topicDir(topic)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.subs[topic] == nil {
		if err := b.watcher.Add(dir); err != nil {
			return nil, fmt.Errorf("bus: watch %s: %w", topic, err)
		}
		b.subs[topic] = make(map[int]Handler)
	}
	b.nextID++
	id := b.nextID
	b.subs[topic][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[topic], id)
	}, nil
}

// Close stops the watcher and waits for in-progress dispatch to finish.
func (b *DirBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	err := b.watcher.Close()
	b.wg.Wait()
	return err
}

func (b *DirBus) topicDir(topic string) (string, error) {
	dir := filepath.Join(b.root, sanitize(topic))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("bus: create topic dir: %w", err)
	}
	return dir, nil
}

func (b *DirBus) watchLoop() {
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			// Rename into place shows up as Create on the destination.
			if ev.Op&fsnotify.Create == 0 || !strings.HasSuffix(ev.Name, spoolExt) {
				continue
			}
			b.dispatch(ev.Name)
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn("watcher error", "error", err)
		}
	}
}

func (b *DirBus) dispatch(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Pruned by a peer before we read it; same as a lost message.
		b.logger.Debug("message vanished", "path", path, "error", err)
		return
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		b.logger.Warn("discarding malformed message", "path", path, "error", err)
		return
	}
	if msg.From == b.self {
		return
	}

	topicName := filepath.Base(filepath.Dir(path))
	b.mu.Lock()
	var handlers []Handler
	for topic, subs := range b.subs {
		if sanitize(topic) != topicName {
			continue
		}
		for _, h := range subs {
			handlers = append(handlers, h)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		safeCall(b.logger, h, msg)
	}
}

// prune removes spooled messages older than the retention period.
func (b *DirBus) prune(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-b.retention)
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), spoolExt) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(dir, e.Name()))
	}
}

func sanitize(s string) string {
	return strings.NewReplacer(":", "_", "/", "_", string(filepath.Separator), "_").Replace(s)
}
