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
	"time"

	"unit3d-announce/config"
	"unit3d-announce/database"
	"unit3d-announce/server/params"
	"unit3d-announce/util"

	"github.com/valyala/fasthttp"
)

var (
	scrapeEnabled       bool
	scrapeInterval      int
	maxScrapeInfoHashes int
)

func init() {
	scrapeEnabled, _ = config.Section("scrape").GetBool("enabled", true)
	scrapeInterval, _ = config.Section("intervals").GetInt("scrape", 1800)
	maxScrapeInfoHashes, _ = config.Section("scrape").GetInt("max_info_hashes", 100)
}

func scrape(ctx *fasthttp.RequestCtx, db *database.Database, buf *bytes.Buffer) int {
	if !scrapeEnabled {
		failure("Scrape convention is not supported", buf, 1*time.Hour)
		return fasthttp.StatusOK
	}

	qp, err := params.ParseQuery(string(ctx.QueryArgs().QueryString()))
	if err != nil {
		panic(err)
	}

	infoHashes := qp.InfoHashes()
	if len(infoHashes) == 0 {
		failure("Scrape without info_hash is not supported", buf, 1*time.Hour)
		return fasthttp.StatusOK
	}

	if len(infoHashes) > maxScrapeInfoHashes {
		infoHashes = infoHashes[:maxScrapeInfoHashes]
	}

	torrents := *db.Torrents.Load()

	util.BencodeScrapeHeader(buf)

	for _, infoHash := range infoHashes {
		torrent, exists := torrents[infoHash]
		if !exists || torrent.IsDeleted.Load() {
			continue
		}

		torrent.PeerRLock()
		complete := int64(torrent.SeedersLength.Load())
		incomplete := int64(torrent.LeechersLength.Load())
		torrent.PeerRUnlock()

		downloaded := int64(torrent.Snatched.Load())

		util.BencodeScrapeTorrent(buf, infoHash, complete, downloaded, incomplete)
	}

	util.BencodeScrapeFooter(buf, scrapeInterval)

	return fasthttp.StatusOK
}
