// preforkd - Pre-fork HTTP Application Server
// Copyright 2026 The preforkd Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/preforkd/preforkd

package app

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves application units by name. It is the analogue of the
// module:attribute reference on a pre-fork server's command line: main
// registers the bundled applications, configuration picks one.
type Registry struct {
	mu   sync.RWMutex
	apps map[string]Application
}

// NewRegistry creates an empty application registry.
func NewRegistry() *Registry {
	return &Registry{apps: make(map[string]Application)}
}

// Register adds an application under its name. Registering a duplicate name
// is a programming error and panics.
func (r *Registry) Register(a Application) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.apps[name]; exists {
		panic(fmt.Sprintf("app: duplicate registration of %q", name))
	}
	r.apps[name] = a
}

// Resolve returns the application registered under name. Unknown names are
// a configuration error surfaced before any socket is bound.
func (r *Registry) Resolve(name string) (Application, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apps[name]
	if !ok {
		return nil, fmt.Errorf("unknown application %q (registered: %v)", name, r.names())
	}
	return a, nil
}

// names returns registered names sorted, for error messages. Caller holds mu.
func (r *Registry) names() []string {
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
