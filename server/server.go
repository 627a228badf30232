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

package server

import (
	"bytes"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"unit3d-announce/config"
	"unit3d-announce/database"
	"unit3d-announce/metrics"
	"unit3d-announce/record"
	"unit3d-announce/util"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
)

type httpHandler struct {
	terminate atomic.Bool

	waitGroup sync.WaitGroup

	requests   atomic.Uint64
	throughput atomic.Int64

	bufferPool       *util.BufferPool
	db               *database.Database
	normalRegisterer *prometheus.Registry
	adminRegisterer  *prometheus.Registry

	startTime time.Time
}

var (
	handler *httpHandler
	fserver *fasthttp.Server
	fln     net.Listener
)

// respond dispatches a request by path: /check and /alive are public,
// /:passkey/:action covers announce/scrape/metrics, and /:apikey/:resource
// is the admin surface. raw reports that the handler already wrote its own
// status code and body straight to ctx (the admin surface, which speaks
// JSON rather than the bencode/text buf every other endpoint fills).
func (h *httpHandler) respond(ctx *fasthttp.RequestCtx, buf *bytes.Buffer) (handled, raw bool) {
	pathStr := strings.Trim(string(ctx.Path()), "/")
	if pathStr == "" {
		return false, false
	}

	parts := strings.SplitN(pathStr, "/", 2)

	if len(parts) == 1 {
		switch parts[0] {
		case "check":
			buf.WriteString(strconv.FormatInt(time.Now().Unix(), 10))
			return true, false
		case "alive":
			alive(ctx, h.db, buf)
			return true, false
		}

		return false, false
	}

	passkey, action := parts[0], parts[1]

	if isAdminRequest(passkey) {
		resource, id, _ := strings.Cut(action, "/")
		return adminRespond(ctx, h.db, resource, id), true
	}

	user := isPasskeyValid(passkey, h.db)
	if user == nil {
		failure("Your passkey is invalid", buf, 1*time.Hour)
		return true, false
	}

	switch action {
	case "announce":
		announce(ctx, user, h.db, buf)
		return true, false
	case "scrape":
		scrape(ctx, h.db, buf)
		return true, false
	case "metrics":
		metricsHandler(ctx, h.db, buf)
		return true, false
	}

	return false, false
}

func (h *httpHandler) requestHandler(ctx *fasthttp.RequestCtx) {
	if h.terminate.Load() {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}

	h.waitGroup.Add(1)
	defer h.waitGroup.Done()

	buf := h.bufferPool.Take()
	defer h.bufferPool.Give(buf)

	defer func() {
		if err := recover(); err != nil {
			slog.Error("request handler panic", "err", err, "path", ctx.Path())

			buf.Reset()
			ctx.SetStatusCode(fasthttp.StatusInternalServerError)
			metrics.IncrementErroredRequests()
		}
	}()

	exists, raw := h.respond(ctx, buf)

	if !raw {
		status := fasthttp.StatusOK
		if !exists {
			status = fasthttp.StatusNotFound
		}

		ctx.SetStatusCode(status)
		ctx.SetContentType("text/plain")
		_, _ = ctx.Write(buf.Bytes())
	}

	h.requests.Add(1)
}

// trackThroughput samples the cumulative request counter once a minute so
// metrics.UpdateThroughput always reflects requests handled over the last
// full minute, not a running average since startup.
func (h *httpHandler) trackThroughput() {
	go func() {
		var last uint64

		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()

		for !h.terminate.Load() {
			<-ticker.C

			current := h.requests.Load()
			h.throughput.Store(int64(current - last))
			metrics.UpdateThroughput(int(current - last))
			last = current
		}
	}()
}

func Start() {
	httpConfig := config.Section("http")

	handler = &httpHandler{db: database.New(), startTime: time.Now()}
	handler.bufferPool = util.NewBufferPool(500)

	readTimeout, _ := httpConfig.GetInt("read_timeout", 2)
	writeTimeout, _ := httpConfig.GetInt("write_timeout", 2)

	handler.db.Init()
	record.Init()

	handler.normalRegisterer = prometheus.NewRegistry()
	handler.normalRegisterer.MustRegister(metrics.NewNormalCollector())

	handler.adminRegisterer = prometheus.NewRegistry()
	handler.adminRegisterer.MustRegister(metrics.NewAdminCollector())

	handler.trackThroughput()

	fserver = &fasthttp.Server{
		Handler:      handler.requestHandler,
		ReadTimeout:  time.Duration(readTimeout) * time.Second,
		WriteTimeout: time.Duration(writeTimeout) * time.Second,
	}

	var err error

	if addr, exists := httpConfig.Get("addr", ""); exists && addr != "" {
		fln, err = net.Listen("tcp", addr)
		if err != nil {
			panic(err)
		}

		slog.Info("ready and accepting new connections", "addr", addr)
	} else {
		socket, _ := httpConfig.Get("unix_socket", "")

		_ = os.Remove(socket)

		fln, err = net.Listen("unix", socket)
		if err != nil {
			panic(err)
		}

		slog.Info("ready and accepting new connections", "socket", socket)
	}

	/*
	 * Behind the scenes, fasthttp serves each connection in a pooled goroutine. This is plenty fast and scalable
	 * for the tracker's request shape: short-lived, CPU-light, mostly I/O bound on the write-back queues.
	 */
	_ = fserver.Serve(fln)

	// Wait for active connections to finish processing
	handler.waitGroup.Wait()

	slog.Info("now closed and not accepting any new connections")

	handler.db.Terminate()

	slog.Info("shutdown complete")
}

func Stop() {
	handler.terminate.Store(true)

	// Closing the listener stops accepting connections and causes Serve to return
	_ = fln.Close()
}
