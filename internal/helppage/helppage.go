// Package helppage serves the proxy's usage text through a read-through
// cache, so a configured help file is read from disk at most once.
package helppage

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"
)

//go:embed help.txt
var defaultHelp []byte

// Cache loads help resources on first use and serves every later request
// from memory.
type Cache struct {
	mu    sync.RWMutex
	pages map[string][]byte
}

func New() *Cache {
	return &Cache{pages: make(map[string][]byte)}
}

// Load returns the help content at path. An empty path serves the bundled
// default text.
func (c *Cache) Load(path string) ([]byte, error) {
	if path == "" {
		return defaultHelp, nil
	}

	c.mu.RLock()
	body, ok := c.pages[path]
	c.mu.RUnlock()
	if ok {
		return body, nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("helppage: read %s: %w", path, err)
	}
	c.mu.Lock()
	c.pages[path] = body
	c.mu.Unlock()
	return body, nil
}

// ContentType picks the response content type for a help resource: HTML
// files are served as text/html, everything else as plain text.
func ContentType(path string) string {
	if strings.HasSuffix(path, ".html") {
		return "text/html"
	}
	return "text/plain"
}
