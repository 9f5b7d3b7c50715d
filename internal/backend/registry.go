// ABOUTME: App registry mapping app ids to backends with a designated default.
// ABOUTME: Resolve("") yields the default app for bare session names.

package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownApp indicates a session key referencing an unregistered app.
var ErrUnknownApp = errors.New("unknown app")

// ErrAppAlreadyRegistered indicates a duplicate app id registration.
var ErrAppAlreadyRegistered = errors.New("app already registered")

// Registry maps app ids to execution backends. One app is the default,
// used when a session key carries no app prefix.
type Registry struct {
	mu         sync.RWMutex
	apps       map[string]App
	defaultApp string
}

// NewRegistry creates an empty registry with the given default app id.
// The default may be registered after construction.
func NewRegistry(defaultApp string) *Registry {
	return &Registry{
		apps:       make(map[string]App),
		defaultApp: defaultApp,
	}
}

// Register adds an app. The first registered app becomes the default when
// none was configured.
func (r *Registry) Register(app App) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := app.ID()
	if _, exists := r.apps[id]; exists {
		return fmt.Errorf("%w: %s", ErrAppAlreadyRegistered, id)
	}
	r.apps[id] = app
	if r.defaultApp == "" {
		r.defaultApp = id
	}
	return nil
}

// Resolve returns the app for the given id; an empty id resolves the
// default app.
func (r *Registry) Resolve(appID string) (App, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id := appID
	if id == "" {
		id = r.defaultApp
	}
	app, ok := r.apps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownApp, appID)
	}
	return app, nil
}

// DefaultApp returns the default app id, or "" when none is registered.
func (r *Registry) DefaultApp() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultApp
}

// List returns summaries of all registered apps, sorted by id.
func (r *Registry) List() []AppInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]AppInfo, 0, len(r.apps))
	for _, app := range r.apps {
		infos = append(infos, app.Describe())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
