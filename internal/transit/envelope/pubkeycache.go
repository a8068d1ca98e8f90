// pubkeycache.go — LRU-кэш публичных ключей удалённых хостов с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable; промахи докачиваются
// через peer-клиент.
package envelope

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/identhost/internal/domain/model"
)

// Prometheus-метрики кэша публичных ключей.
var (
	pubkeyCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_pubkey_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш публичных ключей.",
	})
	pubkeyCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ih_pubkey_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша публичных ключей.",
	})
)

// PublicKeyFetcher — источник публичных ключей удалённых хостов.
// Реализуется peerclient.Client.
type PublicKeyFetcher interface {
	GetPublicKey(ctx context.Context, host model.HostID) (*model.PublicKeyInfo, error)
}

// expirationMargin — запас до истечения ключа: ключ, доживающий
// последние минуты, не используется для новых конвертов.
const expirationMargin = 5 * time.Minute

// PublicKeyCache — кэш публичных ключей удалённых хостов.
// Каждый экземпляр хоста имеет собственный in-memory кэш.
type PublicKeyCache struct {
	cache   *expirable.LRU[model.HostID, *model.PublicKeyInfo]
	fetcher PublicKeyFetcher
}

// NewPublicKeyCache создаёт кэш с указанным максимальным размером и TTL.
func NewPublicKeyCache(maxSize int, ttl time.Duration, fetcher PublicKeyFetcher) *PublicKeyCache {
	cache := expirable.NewLRU[model.HostID, *model.PublicKeyInfo](maxSize, nil, ttl)
	return &PublicKeyCache{cache: cache, fetcher: fetcher}
}

// Get возвращает действующий публичный ключ хоста, при промахе или
// истечении ключа запрашивая его заново. Ключ с истекающим сроком
// считается промахом — конверт не заворачивается под доживающий ключ.
func (c *PublicKeyCache) Get(ctx context.Context, host model.HostID) (*model.PublicKeyInfo, error) {
	if info, ok := c.cache.Get(host); ok && time.Until(info.Expiration) > expirationMargin {
		pubkeyCacheHitsTotal.Inc()
		return info, nil
	}
	pubkeyCacheMissesTotal.Inc()

	info, err := c.fetcher.GetPublicKey(ctx, host)
	if err != nil {
		return nil, err
	}
	c.cache.Add(host, info)
	return info, nil
}

// Invalidate удаляет ключ хоста из кэша. Вызывается, когда получатель
// отверг конверт из-за неизвестного CRC (ключ ротирован на той стороне).
func (c *PublicKeyCache) Invalidate(host model.HostID) {
	c.cache.Remove(host)
}
