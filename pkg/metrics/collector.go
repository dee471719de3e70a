package metrics

import (
	"time"

	"github.com/penguintechinc/marchproxy/pkg/storage"
	"github.com/penguintechinc/marchproxy/pkg/types"
)

// Collector periodically derives gauge values from the store.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	clusters, err := c.store.ListClusters()
	if err != nil {
		return
	}
	ClustersTotal.Set(float64(len(clusters)))

	for _, cluster := range clusters {
		c.collectProxyMetrics(cluster)
		c.collectServiceMetrics(cluster)
		c.collectMappingMetrics(cluster)
	}

	c.collectCertificateMetrics()
}

func (c *Collector) collectProxyMetrics(cluster *types.Cluster) {
	proxies, err := c.store.ListProxiesByCluster(cluster.ID)
	if err != nil {
		return
	}

	statusCounts := make(map[types.ProxyStatus]int)
	for _, proxy := range proxies {
		statusCounts[proxy.Status]++
	}

	for _, status := range []types.ProxyStatus{
		types.ProxyStatusRegistering,
		types.ProxyStatusActive,
		types.ProxyStatusStale,
		types.ProxyStatusRetired,
	} {
		ProxiesTotal.WithLabelValues(cluster.Name, string(status)).Set(float64(statusCounts[status]))
	}
}

func (c *Collector) collectServiceMetrics(cluster *types.Cluster) {
	services, err := c.store.ListServicesByCluster(cluster.ID)
	if err != nil {
		return
	}
	ServicesTotal.WithLabelValues(cluster.Name).Set(float64(len(services)))
}

func (c *Collector) collectMappingMetrics(cluster *types.Cluster) {
	mappings, err := c.store.ListMappingsByCluster(cluster.ID)
	if err != nil {
		return
	}
	MappingsTotal.WithLabelValues(cluster.Name).Set(float64(len(mappings)))
}

func (c *Collector) collectCertificateMetrics() {
	certs, err := c.store.ListCertificates()
	if err != nil {
		return
	}
	CertificatesTotal.Set(float64(len(certs)))
}
