package promexport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	goprocess "github.com/shirou/gopsutil/v4/process"
)

const hostScrapeTimeout = 2 * time.Second

// HostSample is one reading of host and process resource usage.
type HostSample struct {
	MemoryTotal     float64
	MemoryUsed      float64
	MemoryAvailable float64
	MemoryUtil      float64
	SwapTotal       float64
	SwapUsed        float64
	CPUUtil         float64
	ProcessRSS      float64
	ProcessCPUUtil  float64
}

// HostSampler reads host resource usage.
type HostSampler func(ctx context.Context) (HostSample, error)

// NewHostSampler returns a sampler reading RAM, swap, CPU and own-process usage
// through gopsutil. CPU values are relative to the previous call.
// Params: none.
// Returns: host sampler.
func NewHostSampler() HostSampler {
	var (
		mu   sync.Mutex
		self *goprocess.Process
	)
	return func(ctx context.Context) (HostSample, error) {
		mu.Lock()
		defer mu.Unlock()

		if self == nil {
			proc, err := goprocess.NewProcessWithContext(ctx, int32(os.Getpid()))
			if err != nil {
				return HostSample{}, fmt.Errorf("open own process: %w", err)
			}
			self = proc
		}
		return sampleHost(ctx, self)
	}
}

// sampleHost reads one host sample.
// Params: ctx for cancellation; self handle of the running process.
// Returns: host sample or first read error.
func sampleHost(ctx context.Context, self *goprocess.Process) (HostSample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostSample{}, fmt.Errorf("read virtual memory: %w", err)
	}
	sample := HostSample{
		MemoryTotal:     float64(vm.Total),
		MemoryUsed:      float64(vm.Used),
		MemoryAvailable: float64(vm.Available),
	}
	if vm.Total > 0 {
		sample.MemoryUtil = (float64(vm.Used) / float64(vm.Total)) * 100
	}

	swap, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return HostSample{}, fmt.Errorf("read swap memory: %w", err)
	}
	sample.SwapTotal = float64(swap.Total)
	sample.SwapUsed = float64(swap.Used)

	total, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return HostSample{}, fmt.Errorf("read total CPU percent: %w", err)
	}
	if len(total) > 0 {
		sample.CPUUtil = total[0]
	}

	if info, memErr := self.MemoryInfoWithContext(ctx); memErr == nil && info != nil {
		sample.ProcessRSS = float64(info.RSS)
	}
	if util, cpuErr := self.PercentWithContext(ctx, 0); cpuErr == nil {
		sample.ProcessCPUUtil = util
	}

	return sample, nil
}

// hostCollector exposes HostSample values as gauges, sampled once per scrape.
type hostCollector struct {
	sample HostSampler
	logger *slog.Logger

	memoryTotal     *prometheus.Desc
	memoryUsed      *prometheus.Desc
	memoryAvailable *prometheus.Desc
	memoryUtil      *prometheus.Desc
	swapTotal       *prometheus.Desc
	swapUsed        *prometheus.Desc
	cpuUtil         *prometheus.Desc
	processRSS      *prometheus.Desc
	processCPUUtil  *prometheus.Desc
}

func newHostCollector(sample HostSampler, logger *slog.Logger) *hostCollector {
	return &hostCollector{
		sample:          sample,
		logger:          logger,
		memoryTotal:     prometheus.NewDesc(namespace+"_host_memory_total_bytes", "Host physical memory.", nil, nil),
		memoryUsed:      prometheus.NewDesc(namespace+"_host_memory_used_bytes", "Host memory in use.", nil, nil),
		memoryAvailable: prometheus.NewDesc(namespace+"_host_memory_available_bytes", "Host memory available for new allocations.", nil, nil),
		memoryUtil:      prometheus.NewDesc(namespace+"_host_memory_utilization_percent", "Host memory utilization.", nil, nil),
		swapTotal:       prometheus.NewDesc(namespace+"_host_swap_total_bytes", "Host swap size.", nil, nil),
		swapUsed:        prometheus.NewDesc(namespace+"_host_swap_used_bytes", "Host swap in use.", nil, nil),
		cpuUtil:         prometheus.NewDesc(namespace+"_host_cpu_utilization_percent", "Host CPU utilization since previous scrape.", nil, nil),
		processRSS:      prometheus.NewDesc(namespace+"_process_resident_memory_bytes", "Service resident set size.", nil, nil),
		processCPUUtil:  prometheus.NewDesc(namespace+"_process_cpu_utilization_percent", "Service CPU utilization since previous scrape.", nil, nil),
	}
}

// Describe sends host gauge descriptors.
// Params: ch descriptor channel.
// Returns: none.
func (c *hostCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		c.memoryTotal, c.memoryUsed, c.memoryAvailable, c.memoryUtil,
		c.swapTotal, c.swapUsed, c.cpuUtil, c.processRSS, c.processCPUUtil,
	} {
		ch <- desc
	}
}

// Collect samples host usage; a failed sample omits host gauges from this scrape.
// Params: ch metric channel.
// Returns: none.
func (c *hostCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), hostScrapeTimeout)
	defer cancel()

	sample, err := c.sample(ctx)
	if err != nil {
		c.logger.Warn("host sample failed", slog.String("error", err.Error()))
		return
	}

	ch <- prometheus.MustNewConstMetric(c.memoryTotal, prometheus.GaugeValue, sample.MemoryTotal)
	ch <- prometheus.MustNewConstMetric(c.memoryUsed, prometheus.GaugeValue, sample.MemoryUsed)
	ch <- prometheus.MustNewConstMetric(c.memoryAvailable, prometheus.GaugeValue, sample.MemoryAvailable)
	ch <- prometheus.MustNewConstMetric(c.memoryUtil, prometheus.GaugeValue, sample.MemoryUtil)
	ch <- prometheus.MustNewConstMetric(c.swapTotal, prometheus.GaugeValue, sample.SwapTotal)
	ch <- prometheus.MustNewConstMetric(c.swapUsed, prometheus.GaugeValue, sample.SwapUsed)
	ch <- prometheus.MustNewConstMetric(c.cpuUtil, prometheus.GaugeValue, sample.CPUUtil)
	ch <- prometheus.MustNewConstMetric(c.processRSS, prometheus.GaugeValue, sample.ProcessRSS)
	ch <- prometheus.MustNewConstMetric(c.processCPUUtil, prometheus.GaugeValue, sample.ProcessCPUUtil)
}
