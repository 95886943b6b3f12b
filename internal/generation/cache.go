package generation

import (
	"log/slog"
	"proxybridge/internal/metadata"
	"sync"
)

// Source is the generated proxy of one type.
type Source struct {
	FullName  string
	Module    string // name used in require()
	ClassName string
	Text      string
}

// Cache is an append-only store of generated proxies keyed by full type name.
type Cache struct {
	mu       sync.RWMutex
	byName   map[string]Source
	byModule map[string]string
}

var sharedCache = NewCache()

func NewCache() *Cache {
	return &Cache{
		byName:   make(map[string]Source),
		byModule: make(map[string]string),
	}
}

// SharedCache returns the cache shared by every generator in the process.
func SharedCache() *Cache {
	return sharedCache
}

// TryAdd inserts source unless its type is already present; the check and
// the insert are one atomic step.
func (c *Cache) TryAdd(source Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, found := c.byName[source.FullName]; found {
		return false
	}

	c.byName[source.FullName] = source
	c.byModule[source.Module] = source.FullName
	return true
}

func (c *Cache) Contains(fullName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, found := c.byName[fullName]
	return found
}

func (c *Cache) Lookup(fullName string) (Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	source, found := c.byName[fullName]
	return source, found
}

// Module finds a generated proxy by its module name.
func (c *Cache) Module(module string) (Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fullName, found := c.byModule[module]
	if !found {
		return Source{}, false
	}
	return c.byName[fullName], true
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.byName)
}

// Generator generates each type at most once per cache and reports every
// newly generated proxy to its callback.
type Generator struct {
	cache          *Cache
	classGenerated func(fullName, text string)
	options        []Option
	logger         *slog.Logger
}

func NewGenerator(cache *Cache, classGenerated func(fullName, text string), opts ...Option) *Generator {
	if cache == nil {
		cache = SharedCache()
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &Generator{
		cache:          cache,
		classGenerated: classGenerated,
		options:        opts,
		logger:         o.logger,
	}
}

// Generate returns false when the type was already generated; the callback
// is then not invoked again.
func (generator *Generator) Generate(descriptor metadata.TypeDescriptor) bool {
	if generator.cache.Contains(descriptor.FullName) {
		generator.logger.Debug("proxy already generated", "type", descriptor.FullName)
		return false
	}

	source := Source{
		FullName:  descriptor.FullName,
		Module:    metadata.ConvertFullName(descriptor.FullName),
		ClassName: descriptor.Name,
		Text:      Generate(descriptor, generator.options...),
	}

	if !generator.cache.TryAdd(source) {
		generator.logger.Debug("proxy generated concurrently", "type", descriptor.FullName)
		return false
	}

	generator.logger.Info("generated proxy", "type", descriptor.FullName, "module", source.Module)
	if generator.classGenerated != nil {
		generator.classGenerated(source.FullName, source.Text)
	}

	return true
}
