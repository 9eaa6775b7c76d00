// Package reqctx holds state scoped to one inbound request: one trigger
// dispatch, one job task or one CLI invocation. It is passed explicitly and
// never stored globally.
package reqctx

import (
	"context"
	"slices"
	"sync"

	"github.com/cuemby/provisioner/pkg/catalog"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/google/uuid"
)

// Context caches resolved lookups and tracks the active trigger chain
type Context struct {
	ID string

	mu      sync.Mutex
	labels  map[string]string
	configs map[string]*types.TemplateGroupConfig
	chain   []string
}

// New creates an empty request context
func New() *Context {
	return &Context{
		ID:      uuid.New().String(),
		labels:  make(map[string]string),
		configs: make(map[string]*types.TemplateGroupConfig),
	}
}

// Label resolves an enumerated token through the catalog once per request
func (c *Context) Label(cat catalog.Catalog, picklist, token string) (string, error) {
	key := picklist + "\x00" + token

	c.mu.Lock()
	label, ok := c.labels[key]
	c.mu.Unlock()
	if ok {
		return label, nil
	}

	label, err := cat.Label(picklist, token)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.labels[key] = label
	c.mu.Unlock()
	return label, nil
}

// Config returns a config loaded earlier in this request
func (c *Context) Config(groupID string) (*types.TemplateGroupConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[groupID]
	return cfg, ok
}

// StoreConfig caches a loaded config for the rest of the request
func (c *Context) StoreConfig(cfg *types.TemplateGroupConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs[cfg.ID] = cfg
}

// ForgetConfig drops a cached config after its setup data changed
func (c *Context) ForgetConfig(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.configs, groupID)
}

// Enter pushes a handler onto the trigger chain. reentrant is true when the
// same handler is already active further up the chain.
func (c *Context) Enter(name string) (leave func(), reentrant bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reentrant = slices.Contains(c.chain, name)
	c.chain = append(c.chain, name)
	depth := len(c.chain)

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if len(c.chain) >= depth {
			c.chain = c.chain[:depth-1]
		}
	}, reentrant
}

// Chain returns the handlers currently active, outermost first
func (c *Context) Chain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.chain)
}

type ctxKey struct{}

// WithContext attaches rc to ctx so calls made through the record store see the same request
func WithContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext returns the request context attached to ctx
func FromContext(ctx context.Context) (*Context, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*Context)
	return rc, ok && rc != nil
}

// Ensure returns the request context attached to ctx, attaching a new one when absent
func Ensure(ctx context.Context) (context.Context, *Context) {
	if rc, ok := FromContext(ctx); ok {
		return ctx, rc
	}
	rc := New()
	return WithContext(ctx, rc), rc
}
