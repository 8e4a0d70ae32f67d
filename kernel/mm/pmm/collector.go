package pmm

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	freeBlocksDesc = prometheus.NewDesc(
		"pmm_free_blocks",
		"Number of free blocks on the free list of each order.",
		[]string{
			"order",
		}, nil,
	)
	freeBytesDesc = prometheus.NewDesc(
		"pmm_free_bytes",
		"Physical memory available for allocation, in bytes.",
		nil, nil,
	)
	totalBytesDesc = prometheus.NewDesc(
		"pmm_total_bytes",
		"Physical memory managed by the allocator, in bytes.",
		nil, nil,
	)
	allocationsDesc = prometheus.NewDesc(
		"pmm_allocations_total",
		"Number of successful block allocations.",
		nil, nil,
	)
	freesDesc = prometheus.NewDesc(
		"pmm_frees_total",
		"Number of blocks returned to the allocator.",
		nil, nil,
	)
	failuresDesc = prometheus.NewDesc(
		"pmm_allocation_failures_total",
		"Number of allocations that failed for lack of memory.",
		nil, nil,
	)
)

type collector struct {
	alloc *BuddyAllocator
}

// NewCollector creates a Prometheus collector that exports the state of the
// supplied allocator.
func NewCollector(alloc *BuddyAllocator) prometheus.Collector {
	return &collector{alloc: alloc}
}

// Describe implements prometheus.Collector interface
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector interface
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.alloc.Stats()

	for order, count := range stats.FreeBlocks {
		ch <- prometheus.MustNewConstMetric(freeBlocksDesc, prometheus.GaugeValue, float64(count), strconv.Itoa(order))
	}
	ch <- prometheus.MustNewConstMetric(freeBytesDesc, prometheus.GaugeValue, float64(BlockBytes(0)*uintptr(stats.FreePages)))
	ch <- prometheus.MustNewConstMetric(totalBytesDesc, prometheus.GaugeValue, float64(BlockBytes(0)*uintptr(stats.TotalPages)))
	ch <- prometheus.MustNewConstMetric(allocationsDesc, prometheus.CounterValue, float64(stats.Allocs))
	ch <- prometheus.MustNewConstMetric(freesDesc, prometheus.CounterValue, float64(stats.Frees))
	ch <- prometheus.MustNewConstMetric(failuresDesc, prometheus.CounterValue, float64(stats.Failures))
}
