package directory

import (
	"context"
	"sync"
)

// watcher queues child names for one WatchChildren caller. The queue is
// unbounded so a slow consumer delays discovery but never loses a child.
type watcher struct {
	prefix string
	out    chan string
	wake   chan struct{}

	mu    sync.Mutex
	seen  map[string]struct{}
	queue []string
}

// WatchChildren streams the child names under prefix: existing children
// first, then each newly created one. The channel closes when ctx is done.
func (s *Store) WatchChildren(ctx context.Context, prefix string) (<-chan string, error) {
	w := &watcher{
		prefix: prefix,
		out:    make(chan string),
		wake:   make(chan struct{}, 1),
		seen:   make(map[string]struct{}),
	}

	// Register before listing so a child created in between is not missed;
	// the seen set drops the duplicate.
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	existing, err := s.List(ctx, prefix)
	if err != nil {
		s.removeWatcher(w)
		return nil, err
	}
	for _, e := range existing {
		if child, ok := childOf(prefix, e.Key); ok {
			w.enqueue(child)
		}
	}

	go func() {
		defer close(w.out)
		defer s.removeWatcher(w)
		for {
			child, ok := w.next()
			if !ok {
				select {
				case <-w.wake:
					continue
				case <-ctx.Done():
					return
				}
			}
			select {
			case w.out <- child:
			case <-ctx.Done():
				return
			}
		}
	}()

	return w.out, nil
}

func (s *Store) notify(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		if child, ok := childOf(w.prefix, key); ok {
			w.enqueue(child)
		}
	}
}

func (s *Store) removeWatcher(w *watcher) {
	s.mu.Lock()
	delete(s.watchers, w)
	s.mu.Unlock()
}

func (w *watcher) enqueue(child string) {
	w.mu.Lock()
	if _, dup := w.seen[child]; dup {
		w.mu.Unlock()
		return
	}
	w.seen[child] = struct{}{}
	w.queue = append(w.queue, child)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) next() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return "", false
	}
	child := w.queue[0]
	w.queue = w.queue[1:]
	return child, true
}
