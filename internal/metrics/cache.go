package metrics

import (
	"context"
	"time"

	"github.com/dropDatabas3/hellofed/internal/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// CacheStatser es lo que cache.Client expone para métricas.
type CacheStatser interface {
	Stats(ctx context.Context) (cache.Stats, error)
}

var (
	cacheHitsDesc = prometheus.NewDesc("hellofed_key_cache_hits_total",
		"Lecturas del cache de claves remotas que encontraron valor", []string{"driver"}, nil)
	cacheMissesDesc = prometheus.NewDesc("hellofed_key_cache_misses_total",
		"Lecturas del cache de claves remotas sin valor", []string{"driver"}, nil)
)

// CacheCollector lee hits/misses del cliente en cada scrape.
type CacheCollector struct {
	c CacheStatser
}

func NewCacheCollector(c CacheStatser) *CacheCollector { return &CacheCollector{c: c} }

func (cc *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
}

func (cc *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := cc.c.Stats(ctx)
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(st.Hits), st.Driver)
	ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(st.Misses), st.Driver)
}
