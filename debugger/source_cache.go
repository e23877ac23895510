package debugger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/hashmap"
)

// SourceFetchFunc retrieves the full text behind an adapter-assigned source
// reference. The owner supplies it so the cache never holds a session handle.
type SourceFetchFunc func(ctx context.Context, sourceReference int) (string, error)

// SourceCache memoizes source text in two key spaces that never collide:
// adapter source references (int) and normalized file paths (string).
// Entries are immutable once stored; the only eviction is a full Flush.
type SourceCache struct {
	fetch SourceFetchFunc

	mutex      sync.Mutex
	entries    *hashmap.Map // int or string -> []string
	inflight   map[interface{}]*inflightFetch
	generation uint64
}

// inflightFetch lets concurrent first requests for one key share a single
// fetch instead of issuing duplicates.
type inflightFetch struct {
	done  chan struct{}
	lines []string
	err   error
}

func NewSourceCache(fetch SourceFetchFunc) *SourceCache {
	return &SourceCache{
		fetch:    fetch,
		entries:  hashmap.New(),
		inflight: map[interface{}]*inflightFetch{},
	}
}

// GetFileDataBySourceReference returns the lines behind a source reference,
// fetching through the adapter on first request.
func (c *SourceCache) GetFileDataBySourceReference(ctx context.Context, sourceReference int) ([]string, error) {
	return c.getFileData(ctx, sourceReference, func(ctx context.Context) (string, error) {
		return c.fetch(ctx, sourceReference)
	})
}

// GetFileDataByPath returns the lines of a local file, read once.
func (c *SourceCache) GetFileDataByPath(ctx context.Context, path string) ([]string, error) {
	normalized := filepath.Clean(path)
	return c.getFileData(ctx, normalized, func(ctx context.Context) (string, error) {
		data, err := os.ReadFile(normalized)
		return string(data), err
	})
}

// Flush discards every entry and forgets in-flight fetches. Fetches already
// running are not cancelled; their results belong to the generation that
// started them and are dropped instead of resurrecting flushed data.
func (c *SourceCache) Flush() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = hashmap.New()
	c.inflight = map[interface{}]*inflightFetch{}
	c.generation++
}

func (c *SourceCache) getFileData(ctx context.Context, key interface{}, fetch func(context.Context) (string, error)) ([]string, error) {
	c.mutex.Lock()
	if cached, ok := c.entries.Get(key); ok {
		c.mutex.Unlock()
		return cached.([]string), nil
	}
	if call, ok := c.inflight[key]; ok {
		c.mutex.Unlock()
		select {
		case <-call.done:
			return call.lines, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflightFetch{done: make(chan struct{})}
	c.inflight[key] = call
	generation := c.generation
	c.mutex.Unlock()

	content, err := fetch(ctx)
	if err != nil {
		call.err = err
	} else {
		call.lines = splitLines(content)
	}
	close(call.done)

	c.mutex.Lock()
	if c.generation == generation {
		delete(c.inflight, key)
		if call.err == nil {
			c.entries.Put(key, call.lines)
		}
	}
	c.mutex.Unlock()
	return call.lines, call.err
}

// splitLines is line-break neutral: both \n and \r\n delimit lines.
func splitLines(content string) []string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}
