package upload

import (
	"sort"
	"sync"

	"github.com/rescale/rescale-ingest/internal/models"
)

// PartETags maps committed part numbers to their ETags. Safe for concurrent use.
type PartETags struct {
	mu    sync.RWMutex
	etags map[int]string
}

// NewPartETags creates an empty map.
func NewPartETags() *PartETags {
	return &PartETags{etags: make(map[int]string)}
}

// Set records the ETag for part.
func (p *PartETags) Set(part int, etag string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.etags[part] = etag
}

// Get returns the ETag for part.
func (p *PartETags) Get(part int) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	etag, ok := p.etags[part]
	return etag, ok
}

// Len returns the number of committed parts.
func (p *PartETags) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.etags)
}

// Entries returns the map as completion entries ordered by part number.
func (p *PartETags) Entries() []models.PartETag {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := make([]models.PartETag, 0, len(p.etags))
	for part, etag := range p.etags {
		entries = append(entries, models.PartETag{PartNumber: part, ETag: etag})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PartNumber < entries[j].PartNumber
	})
	return entries
}
