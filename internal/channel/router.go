// Package channel holds the push channels and routes targets to them.
//
// A target is "scheme:destination", e.g. "telegram:-100123" or
// "kafka:news.out". A target without a scheme goes to the router default.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"relaybot/internal/domain"
)

var ErrUnknownChannel = errors.New("unknown channel")

// Channel delivers a rendered payload to one destination.
type Channel interface {
	Send(ctx context.Context, payload, dest string) error
}

// Func adapts a function to Channel.
type Func func(ctx context.Context, payload, dest string) error

func (f Func) Send(ctx context.Context, payload, dest string) error { return f(ctx, payload, dest) }

// Router dispatches by target scheme. It satisfies worker.Sender.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Channel
	def      string
}

func NewRouter(defaultScheme string) *Router {
	return &Router{channels: map[string]Channel{}, def: strings.ToLower(strings.TrimSpace(defaultScheme))}
}

// Register binds scheme to ch, replacing an earlier binding.
func (r *Router) Register(scheme string, ch Channel) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	r.mu.Lock()
	if ch == nil {
		delete(r.channels, scheme)
	} else {
		r.channels[scheme] = ch
	}
	r.mu.Unlock()
}

// Schemes lists the registered schemes, sorted.
func (r *Router) Schemes() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.channels))
	for k := range r.channels {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Send routes target to its channel. An unroutable target fails permanently.
func (r *Router) Send(ctx context.Context, payload, target string) error {
	scheme, dest := r.split(target)
	r.mu.RLock()
	ch := r.channels[scheme]
	r.mu.RUnlock()
	if ch == nil {
		return domain.Permanent(fmt.Errorf("%w %q for target %q", ErrUnknownChannel, scheme, target))
	}
	if dest == "" {
		return domain.Permanent(fmt.Errorf("target %q has no destination", target))
	}
	return ch.Send(ctx, payload, dest)
}

func (r *Router) split(target string) (scheme, dest string) {
	target = strings.TrimSpace(target)
	if i := strings.IndexByte(target, ':'); i > 0 {
		s := strings.ToLower(target[:i])
		r.mu.RLock()
		_, known := r.channels[s]
		r.mu.RUnlock()
		// "-100123:5" style ids have no letters before the colon.
		if known || isScheme(s) {
			return s, strings.TrimSpace(target[i+1:])
		}
	}
	return r.def, target
}

func isScheme(s string) bool {
	for _, c := range s {
		if (c < 'a' || c > 'z') && c != '_' && c != '-' {
			return false
		}
	}
	return s != ""
}
