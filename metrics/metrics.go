/*
 * This file is part of Chihaya.
 *
 * Chihaya is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * Chihaya is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with Chihaya.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package metrics is the single home for every counter the tracker exposes,
// merging what used to be split across a couple of overlapping collector
// packages into one normal surface (cheap, always served) and one admin
// surface (expensive internals, served only to bearer-authenticated
// scrapes).
package metrics

import (
	"sync/atomic"
	"time"

	"unit3d-announce/config"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	uptimeSeconds atomic.Uint64 // time.Duration in nanoseconds
	users         atomic.Int64
	torrents      atomic.Int64
	clients       atomic.Int64
	hitAndRuns    atomic.Int64
	peers         atomic.Int64
	requests      atomic.Uint64
	throughput    atomic.Int64 // requests per minute

	deadlockCount   atomic.Int64
	deadlockAborted atomic.Int64
	deadlockNanos   atomic.Int64
	erroredRequests atomic.Int64
	sqlErrorCount   atomic.Int64
)

var (
	serializationTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "unit3d_announce_serialization_seconds",
		Help:    "Time taken to serialize in-memory caches to disk on shutdown",
		Buckets: []float64{.25, .5, 1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5, 5},
	})
	reloadTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "unit3d_announce_reload_seconds",
		Help:    "Time taken to reload a reference cache from the database",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})
	flushTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "unit3d_announce_flush_seconds",
		Help:    "Time taken to flush a batch from a write-back queue to the database",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
	}, []string{"queue"})
	purgePeersTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "unit3d_announce_purge_inactive_peers_seconds",
		Help:    "Time taken to sweep expired peers out of memory",
		Buckets: []float64{.01, .05, .1, .15, .25, .35, .5, .75, 1, 1.5, 2.5, 5},
	})

	queueBufferLength = map[string]prometheus.Histogram{}
)

func init() {
	channels := config.Section("channels")

	for _, q := range []struct {
		name       string
		defaultLen int
	}{
		{"torrents", 5000},
		{"users", 5000},
		{"transfer_history", 5000},
		{"transfer_ips", 5000},
		{"snatches", 25},
	} {
		size, _ := channels.GetInt(q.name, q.defaultLen)
		queueBufferLength[q.name] = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "unit3d_announce_" + q.name + "_channel_len",
			Help:    "Queue depth observed for the " + q.name + " write-back channel during a flush tick",
			Buckets: prometheus.LinearBuckets(0, float64(size)*0.05, 20),
		})
	}
}

// NormalCollector exposes the cheap, always-on gauges served to every
// unauthenticated /metrics scrape.
type NormalCollector struct {
	uptimeMetric     *prometheus.Desc
	usersMetric      *prometheus.Desc
	torrentsMetric   *prometheus.Desc
	clientsMetric    *prometheus.Desc
	hitAndRunsMetric *prometheus.Desc
	peersMetric      *prometheus.Desc
	requestsMetric   *prometheus.Desc
}

func NewNormalCollector() *NormalCollector {
	return &NormalCollector{
		uptimeMetric:     prometheus.NewDesc("unit3d_announce_uptime", "System uptime in seconds", nil, nil),
		usersMetric:      prometheus.NewDesc("unit3d_announce_users", "Number of active users in the reference cache", nil, nil),
		torrentsMetric:   prometheus.NewDesc("unit3d_announce_torrents", "Number of torrents currently tracked", nil, nil),
		clientsMetric:    prometheus.NewDesc("unit3d_announce_clients", "Number of approved client peer-id prefixes", nil, nil),
		hitAndRunsMetric: prometheus.NewDesc("unit3d_announce_hnrs", "Number of active hit-and-run entries", nil, nil),
		peersMetric:      prometheus.NewDesc("unit3d_announce_peers", "Number of peers currently tracked", nil, nil),
		requestsMetric:   prometheus.NewDesc("unit3d_announce_requests", "Number of requests handled since startup", nil, nil),
	}
}

func (c *NormalCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.uptimeMetric
	ch <- c.usersMetric
	ch <- c.torrentsMetric
	ch <- c.clientsMetric
	ch <- c.hitAndRunsMetric
	ch <- c.peersMetric
	ch <- c.requestsMetric
}

func (c *NormalCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.uptimeMetric, prometheus.CounterValue, Uptime())
	ch <- prometheus.MustNewConstMetric(c.usersMetric, prometheus.GaugeValue, float64(users.Load()))
	ch <- prometheus.MustNewConstMetric(c.torrentsMetric, prometheus.GaugeValue, float64(torrents.Load()))
	ch <- prometheus.MustNewConstMetric(c.clientsMetric, prometheus.GaugeValue, float64(clients.Load()))
	ch <- prometheus.MustNewConstMetric(c.hitAndRunsMetric, prometheus.GaugeValue, float64(hitAndRuns.Load()))
	ch <- prometheus.MustNewConstMetric(c.peersMetric, prometheus.GaugeValue, float64(peers.Load()))
	ch <- prometheus.MustNewConstMetric(c.requestsMetric, prometheus.CounterValue, float64(requests.Load()))
}

// AdminCollector exposes the internals useful for operating the tracker:
// deadlock/error counters and the timing histograms for reload/flush/purge.
// Served only behind the admin bearer token.
type AdminCollector struct {
	deadlockCountMetric   *prometheus.Desc
	deadlockAbortedMetric *prometheus.Desc
	deadlockTimeMetric    *prometheus.Desc
	erroredRequestsMetric *prometheus.Desc
	sqlErrorCountMetric   *prometheus.Desc
	throughputMetric      *prometheus.Desc
}

func NewAdminCollector() *AdminCollector {
	return &AdminCollector{
		deadlockCountMetric:   prometheus.NewDesc("unit3d_announce_deadlock_count", "Number of unique deadlocks encountered", nil, nil),
		deadlockAbortedMetric: prometheus.NewDesc("unit3d_announce_deadlock_aborted_count", "Number of times deadlock retries were exhausted", nil, nil),
		deadlockTimeMetric:    prometheus.NewDesc("unit3d_announce_deadlock_seconds_total", "Total time spent waiting out deadlocks", nil, nil),
		erroredRequestsMetric: prometheus.NewDesc("unit3d_announce_requests_fail", "Number of failed requests", nil, nil),
		sqlErrorCountMetric:   prometheus.NewDesc("unit3d_announce_sql_errors_count", "Number of non-deadlock SQL errors", nil, nil),
		throughputMetric:      prometheus.NewDesc("unit3d_announce_throughput", "Current throughput in requests per minute", nil, nil),
	}
}

func (c *AdminCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.deadlockCountMetric
	ch <- c.deadlockAbortedMetric
	ch <- c.deadlockTimeMetric
	ch <- c.erroredRequestsMetric
	ch <- c.sqlErrorCountMetric
	ch <- c.throughputMetric

	serializationTime.Describe(ch)
	reloadTime.Describe(ch)
	flushTime.Describe(ch)
	purgePeersTime.Describe(ch)

	for _, h := range queueBufferLength {
		h.Describe(ch)
	}
}

func (c *AdminCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.deadlockCountMetric, prometheus.CounterValue, float64(deadlockCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.deadlockAbortedMetric, prometheus.CounterValue, float64(deadlockAborted.Load()))
	ch <- prometheus.MustNewConstMetric(c.deadlockTimeMetric, prometheus.CounterValue, time.Duration(deadlockNanos.Load()).Seconds())
	ch <- prometheus.MustNewConstMetric(c.erroredRequestsMetric, prometheus.CounterValue, float64(erroredRequests.Load()))
	ch <- prometheus.MustNewConstMetric(c.sqlErrorCountMetric, prometheus.CounterValue, float64(sqlErrorCount.Load()))
	ch <- prometheus.MustNewConstMetric(c.throughputMetric, prometheus.GaugeValue, float64(throughput.Load()))

	serializationTime.Collect(ch)
	reloadTime.Collect(ch)
	flushTime.Collect(ch)
	purgePeersTime.Collect(ch)

	for _, h := range queueBufferLength {
		h.Collect(ch)
	}
}

func Uptime() float64 {
	return time.Duration(uptimeSeconds.Load()).Seconds()
}

func UpdateUptime(d time.Duration) { uptimeSeconds.Store(uint64(d)) }
func UpdateUsers(n int)            { users.Store(int64(n)) }
func UpdateTorrents(n int)         { torrents.Store(int64(n)) }
func UpdateClients(n int)          { clients.Store(int64(n)) }
func UpdateHitAndRuns(n int)       { hitAndRuns.Store(int64(n)) }
func UpdatePeers(n int)            { peers.Store(int64(n)) }
func UpdateRequests(n uint64)      { requests.Store(n) }
func UpdateThroughput(rpm int)     { throughput.Store(int64(rpm)) }

func IncrementDeadlockCount()         { deadlockCount.Add(1) }
func IncrementDeadlockAborted()       { deadlockAborted.Add(1) }
func IncrementErroredRequests()       { erroredRequests.Add(1) }
func IncrementSQLErrorCount()         { sqlErrorCount.Add(1) }
func IncrementDeadlockTime(d time.Duration) {
	deadlockNanos.Add(int64(d))
}

func UpdateSerializationTime(d time.Duration)    { serializationTime.Observe(d.Seconds()) }
func UpdateReloadTime(kind string, d time.Duration) { reloadTime.WithLabelValues(kind).Observe(d.Seconds()) }
func UpdateFlushTime(queue string, d time.Duration)  { flushTime.WithLabelValues(queue).Observe(d.Seconds()) }
func UpdatePurgeInactivePeersTime(d time.Duration)   { purgePeersTime.Observe(d.Seconds()) }

func UpdateChannelLength(queue string, length int) {
	if h, ok := queueBufferLength[queue]; ok {
		h.Observe(float64(length))
	}
}
