// roster.go — кэш списка учётных записей, обнаруженных под тем же
// родительским идентификатором (например, номером телефона).
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/apra1107-crypto/erp-sub003/internal/domain/model"
)

var (
	rosterCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erp_roster_cache_hits_total",
		Help: "Попадания в кэш списка учётных записей",
	})
	rosterCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "erp_roster_cache_misses_total",
		Help: "Промахи кэша списка учётных записей",
	})
)

// RosterCache — LRU-кэш списков учётных записей с TTL.
// Ключ — роль и id субъекта, от имени которого запрошен список.
type RosterCache struct {
	cache *expirable.LRU[string, []model.KnownAccountEntry]
}

// NewRosterCache создаёт кэш с максимальным размером maxSize и временем жизни ttl.
func NewRosterCache(maxSize int, ttl time.Duration) *RosterCache {
	return &RosterCache{
		cache: expirable.NewLRU[string, []model.KnownAccountEntry](maxSize, nil, ttl),
	}
}

func rosterKey(identity *model.Identity) string {
	return string(identity.Role) + ":" + identity.ID
}

// Get возвращает копию списка из кэша.
func (c *RosterCache) Get(identity *model.Identity) ([]model.KnownAccountEntry, bool) {
	v, ok := c.cache.Get(rosterKey(identity))
	if !ok {
		rosterCacheMissesTotal.Inc()
		return nil, false
	}
	rosterCacheHitsTotal.Inc()
	return slices.Clone(v), true
}

// Set сохраняет список. Токены в кэш не попадают.
func (c *RosterCache) Set(identity *model.Identity, entries []model.KnownAccountEntry) {
	stored := slices.Clone(entries)
	for i := range stored {
		stored[i].CredentialToken = ""
	}
	c.cache.Add(rosterKey(identity), stored)
}

// Purge очищает кэш (при выходе).
func (c *RosterCache) Purge() {
	c.cache.Purge()
}
