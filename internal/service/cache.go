// VideoCache — LRU-кэш метаданных записей для горячего пути стриминга.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/recstore/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rs_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш метаданных.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rs_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша метаданных.",
	})
)

// VideoCache — кэш записей по id с автоматическим TTL.
// Хранит копии: изменение возвращённой записи не влияет на кэш.
type VideoCache struct {
	cache *expirable.LRU[string, *model.Video]
}

// NewVideoCache создаёт LRU-кэш с указанным максимальным размером и TTL.
func NewVideoCache(maxSize int, ttl time.Duration) *VideoCache {
	return &VideoCache{cache: expirable.NewLRU[string, *model.Video](maxSize, nil, ttl)}
}

// Get возвращает запись из кэша.
// Обновляет Prometheus-метрики hit/miss.
func (c *VideoCache) Get(id string) (*model.Video, bool) {
	if c == nil {
		return nil, false
	}
	val, ok := c.cache.Get(id)
	if ok {
		cacheHitsTotal.Inc()
		return val.Clone(), true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись в кэше.
func (c *VideoCache) Set(v *model.Video) {
	if c == nil || v == nil {
		return
	}
	c.cache.Add(v.ID, v.Clone())
}

// Delete инвалидирует запись (изменение, удаление, замена файла).
func (c *VideoCache) Delete(id string) {
	if c == nil {
		return
	}
	c.cache.Remove(id)
}
