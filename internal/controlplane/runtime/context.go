package runtime

import (
	"fmt"
	"strings"
	"sync"
)

// Context is the key/value store steps read inputs from and publish results
// into. Values are owned by one session; the mutex only guards against
// read-while-write from journaling and watchdog goroutines.
type Context struct {
	mu     sync.Mutex
	values map[string]any
	logs   []string
}

func NewContext() *Context {
	return &Context{values: map[string]any{}}
}

func (c *Context) Set(key string, value any) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = map[string]any{}
	}
	c.values[key] = value
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[strings.TrimSpace(key)]
	return v, ok
}

func (c *Context) GetString(key, def string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ApplyUpdates merges a step's context updates. A nil value deletes the key.
func (c *Context) ApplyUpdates(updates map[string]any) {
	if len(updates) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = map[string]any{}
	}
	for k, v := range updates {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if v == nil {
			delete(c.values, k)
			continue
		}
		c.values[k] = v
	}
}

func (c *Context) AppendLog(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, line)
}

func (c *Context) SnapshotValues() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

func (c *Context) SnapshotLogs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.logs...)
}
