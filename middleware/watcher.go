package middleware

import (
	"context"
	"sync"

	"github.com/MrEthical07/rentauth"
)

const watcherBuffer = 8

// Watcher keeps a decision for one page current. It emits Loading first and
// a fresh decision after every session change and every SetPath.
type Watcher struct {
	g      *Guard
	out    chan Decision
	paths  chan string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Watch starts a Watcher for req over the Manager's own session. It runs
// until ctx ends or Close is called.
func (g *Guard) Watch(ctx context.Context, req Request) *Watcher {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		g:      g,
		out:    make(chan Decision, watcherBuffer),
		paths:  make(chan string, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	changes, unsubscribe := g.m.Subscribe()
	go w.run(ctx, req, changes, unsubscribe)
	return w
}

// Decisions returns the decision stream. It is closed when the Watcher stops.
// A slow reader loses intermediate decisions but always sees the latest.
func (w *Watcher) Decisions() <-chan Decision { return w.out }

// SetPath moves the watched page to path.
func (w *Watcher) SetPath(path string) {
	select {
	case <-w.done:
		return
	default:
	}
	for {
		select {
		case w.paths <- path:
			return
		default:
		}
		select {
		case <-w.paths:
		default:
		}
	}
}

// Close stops the Watcher and waits for it to exit.
func (w *Watcher) Close() {
	w.once.Do(w.cancel)
	<-w.done
}

func (w *Watcher) run(ctx context.Context, req Request, changes <-chan rentauth.Change, unsubscribe func()) {
	defer close(w.done)
	defer close(w.out)
	defer unsubscribe()

	w.emit(Decision{Kind: Loading})
	w.emit(w.g.Evaluate(ctx, req))

	for {
		select {
		case <-ctx.Done():
			return
		case path := <-w.paths:
			req.Path = path
			w.emit(Decision{Kind: Loading})
			w.emit(w.g.Evaluate(ctx, req))
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.State == rentauth.StateRefreshing {
				w.emit(Decision{Kind: Loading})
				continue
			}
			w.emit(w.g.Evaluate(ctx, req))
		}
	}
}

func (w *Watcher) emit(d Decision) {
	for {
		select {
		case w.out <- d:
			return
		default:
		}
		select {
		case <-w.out:
		default:
		}
	}
}
