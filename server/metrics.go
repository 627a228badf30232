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
	"crypto/subtle"
	"log/slog"
	"time"

	"unit3d-announce/config"
	"unit3d-announce/database"
	"unit3d-announce/metrics"

	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"
)

var bearerPrefix = "Bearer "

// metricsHandler refreshes the gauges that only make sense computed against
// the live reference caches, then writes the normal registry's exposition
// text always, and the admin registry's on top of it when the request
// carries the configured bearer token.
func metricsHandler(ctx *fasthttp.RequestCtx, db *database.Database, buf *bytes.Buffer) int {
	torrents := *db.Torrents.Load()

	var peers int

	for _, torrent := range torrents {
		torrent.PeerRLock()
		peers += int(torrent.SeedersLength.Load()) + int(torrent.LeechersLength.Load())
		torrent.PeerRUnlock()
	}

	metrics.UpdateUptime(time.Since(handler.startTime))
	metrics.UpdateUsers(len(*db.Users.Load()))
	metrics.UpdateTorrents(len(torrents))
	metrics.UpdateClients(len(*db.Clients.Load()))
	metrics.UpdateHitAndRuns(len(*db.HitAndRuns.Load()))
	metrics.UpdatePeers(peers)
	metrics.UpdateRequests(handler.requests.Load())

	mfs, _ := handler.normalRegisterer.Gather()
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(buf, mf); err != nil {
			slog.Error("failed to encode metric family", "err", err)
			panic(err)
		}
	}

	auth := string(ctx.Request.Header.Peek("Authorization"))

	n := len(bearerPrefix)
	if len(auth) > n && auth[:n] == bearerPrefix {
		adminToken, exists := config.Section("http").Get("admin_token", "")
		if exists && adminToken != "" && subtle.ConstantTimeCompare([]byte(auth[n:]), []byte(adminToken)) == 1 {
			mfs, _ := handler.adminRegisterer.Gather()

			for _, mf := range mfs {
				if _, err := expfmt.MetricFamilyToText(buf, mf); err != nil {
					slog.Error("failed to encode metric family", "err", err)
					panic(err)
				}
			}
		}
	}

	return fasthttp.StatusOK
}
