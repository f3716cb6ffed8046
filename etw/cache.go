package etw

import (
	"cmp"
	"slices"
	"strings"
	"sync"
)

// SchemaCache maps an EventKey to its EventSchema. Entries are written once
// and never replaced, so a schema returned by Load stays valid for the life
// of the cache. It is safe for concurrent use.
type SchemaCache struct {
	mu      sync.RWMutex
	schemas map[EventKey]*EventSchema
}

func NewSchemaCache() *SchemaCache {
	return &SchemaCache{schemas: make(map[EventKey]*EventSchema, 64)}
}

// Load returns the schema stored for key.
func (c *SchemaCache) Load(key EventKey) (*EventSchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[key]
	return s, ok
}

// Record stores s under s.Key unless the key is already present. It returns
// the schema held by the cache and whether this call stored it.
func (c *SchemaCache) Record(s *EventSchema) (*EventSchema, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.schemas[s.Key]; ok {
		return prev, false
	}
	c.schemas[s.Key] = s
	return s, true
}

func (c *SchemaCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.schemas)
}

// Clear drops every entry. Schemas already handed out stay usable.
func (c *SchemaCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.schemas)
}

// Snapshot returns the cached schemas in no particular order.
func (c *SchemaCache) Snapshot() []*EventSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*EventSchema, 0, len(c.schemas))
	for _, s := range c.schemas {
		out = append(out, s)
	}
	return out
}

// SortColumn selects the primary key of SortSchemas.
type SortColumn int

const (
	SortByProvider SortColumn = iota
	SortByTask
	SortByOpcode
	SortByLevel
	SortByChannel
	SortByKeywords
	SortByID
	SortByVersion
)

var sortColumnNames = [...]string{
	SortByProvider: "provider",
	SortByTask:     "task",
	SortByOpcode:   "opcode",
	SortByLevel:    "level",
	SortByChannel:  "channel",
	SortByKeywords: "keywords",
	SortByID:       "id",
	SortByVersion:  "version",
}

func (c SortColumn) String() string {
	if c >= 0 && int(c) < len(sortColumnNames) {
		return sortColumnNames[c]
	}
	return "UNKNOWN"
}

// ParseSortColumn accepts the names printed by SortColumn.String.
func ParseSortColumn(s string) (SortColumn, bool) {
	for i, name := range sortColumnNames {
		if strings.EqualFold(name, s) {
			return SortColumn(i), true
		}
	}
	return 0, false
}

func compareColumn(a, b *EventSchema, col SortColumn) int {
	switch col {
	case SortByProvider:
		return strings.Compare(a.ProviderName, b.ProviderName)
	case SortByTask:
		return strings.Compare(a.TaskName, b.TaskName)
	case SortByOpcode:
		return strings.Compare(a.OpcodeName, b.OpcodeName)
	case SortByLevel:
		return strings.Compare(a.LevelName, b.LevelName)
	case SortByChannel:
		return strings.Compare(a.ChannelName, b.ChannelName)
	case SortByKeywords:
		return strings.Compare(a.KeywordsName, b.KeywordsName)
	case SortByID:
		return cmp.Compare(a.Key.ID, b.Key.ID)
	case SortByVersion:
		return cmp.Compare(a.Key.Version, b.Key.Version)
	}
	return 0
}

// SortSchemas orders list by col. Ties are broken by provider name, task
// name, event id and version, always ascending.
func SortSchemas(list []*EventSchema, col SortColumn, descending bool) {
	slices.SortStableFunc(list, func(a, b *EventSchema) int {
		if c := compareColumn(a, b, col); c != 0 {
			if descending {
				return -c
			}
			return c
		}
		return cmp.Or(
			strings.Compare(a.ProviderName, b.ProviderName),
			strings.Compare(a.TaskName, b.TaskName),
			cmp.Compare(a.Key.ID, b.Key.ID),
			cmp.Compare(a.Key.Version, b.Key.Version),
		)
	})
}
