// Package hotkey listens for a global key combination that ends the
// running session, so the operator can stop recording from any window.
package hotkey

import (
	"fmt"
	"strings"
	"sync"

	hook "github.com/robotn/gohook"
)

// DefaultKeys is ctrl+shift+q.
var DefaultKeys = []string{"ctrl", "shift", "q"}

// Listener emits on Presses each time the combination goes down.
type Listener struct {
	keys    []string
	presses chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewListener creates a Listener for keys, e.g. ["ctrl", "shift", "q"].
func NewListener(keys []string) (*Listener, error) {
	keys, err := Normalize(keys)
	if err != nil {
		return nil, err
	}
	return &Listener{
		keys:    keys,
		presses: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Normalize lower-cases and trims key names, dropping duplicates.
func Normalize(keys []string) ([]string, error) {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("hotkey: no keys given")
	}
	return out, nil
}

// Combo renders the combination for display, e.g. "ctrl+shift+q".
func (l *Listener) Combo() string {
	return strings.Join(l.keys, "+")
}

// Presses delivers one value per key-down. Presses while a previous one is
// still unread are coalesced. Closed when Start returns.
func (l *Listener) Presses() <-chan struct{} {
	return l.presses
}

func (l *Listener) fire() {
	select {
	case l.presses <- struct{}{}:
	default:
	}
}

// Start registers the global hook and blocks until Stop is called. Run it
// in a goroutine.
func (l *Listener) Start() {
	hook.Register(hook.KeyDown, l.keys, func(hook.Event) {
		l.fire()
	})

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.presses)
}

// Stop terminates the listener. It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}
