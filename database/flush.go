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

package database

import (
	"bytes"
	"errors"
	"log/slog"
	"time"

	"unit3d-announce/config"
	cdb "unit3d-announce/database/types"
	"unit3d-announce/metrics"
	"unit3d-announce/util"
)

var (
	activePeerTTL   int
	inactivePeerTTL int
	purgeInterval   int
	flushSleepInterval int
	logFlushes      bool
)

func init() {
	intervals := config.Section("intervals")

	activePeerTTL, _ = intervals.GetInt("active_peer_ttl", 7200)
	inactivePeerTTL, _ = intervals.GetInt("inactive_peer_ttl", 1_814_400)
	purgeInterval, _ = intervals.GetInt("purge_inactive_peers", 120)
	flushSleepInterval, _ = intervals.GetInt("flush", 5)

	logFlushes, _ = config.GetBool("log_flushes", true)
}

/*
 * Each write-back queue is a buffered channel. If a producer's send would
 * block (the channel is full), it hands off to a goroutine instead of
 * stalling the announce/scrape hot path - the tradeoff is a burst of
 * goroutines under sustained overload rather than added request latency.
 *
 * A flush routine drains whatever is currently queued into one batched
 * INSERT ... ON DUPLICATE KEY UPDATE per tick, then sleeps longer the
 * emptier the channel was, to avoid thrashing the database with tiny
 * batches.
 */

var (
	torrentFlushBufferSize            int
	userFlushBufferSize               int
	transferHistoryFlushBufferSize    int
	transferIpsFlushBufferSize        int
	snatchFlushBufferSize             int
	unregisteredHashFlushBufferSize   int

	errGotNilFromChannel = errors.New("got nil while receiving from non-empty channel")
)

func (db *Database) startFlushing() {
	db.torrentChannel = make(chan *bytes.Buffer, torrentFlushBufferSize)
	db.userChannel = make(chan *bytes.Buffer, userFlushBufferSize)
	db.transferHistoryChannel = make(chan *bytes.Buffer, transferHistoryFlushBufferSize)
	db.transferIpsChannel = make(chan *bytes.Buffer, transferIpsFlushBufferSize)
	db.snatchChannel = make(chan *bytes.Buffer, snatchFlushBufferSize)
	db.unregisteredHashChannel = make(chan *bytes.Buffer, unregisteredHashFlushBufferSize)

	go db.flushTorrents()
	go db.flushUsers()
	go db.flushTransferHistory() // must not block, or it will deadlock with purgeInactivePeers when the chan is empty
	go db.flushTransferIps()
	go db.flushSnatches()
	go db.flushUnregisteredHashes()

	go func() {
		time.Sleep(2 * time.Second)
		db.purgeInactivePeers()
	}()
}

func (db *Database) closeFlushChannels() {
	close(db.torrentChannel)
	close(db.userChannel)
	close(db.transferHistoryChannel)
	close(db.transferIpsChannel)
	close(db.snatchChannel)
	close(db.unregisteredHashChannel)
}

func (db *Database) flushTorrents() {
	db.waitGroup.Add(1)
	defer db.waitGroup.Done()

	var (
		query bytes.Buffer
		count int
	)

	for {
		query.Reset()
		query.WriteString("INSERT INTO torrents (id, times_completed, seeders, leechers, last_action) VALUES ")

		length := len(db.torrentChannel)

		for count = 0; count < length; count++ {
			b := <-db.torrentChannel
			if b == nil {
				panic(errGotNilFromChannel)
			}

			query.Write(b.Bytes())
			db.bufferPool.Give(b)

			if count != length-1 {
				query.WriteRune(',')
			}
		}

		if count > 0 {
			if logFlushes && !db.terminate.Load() {
				slog.Info("flushing", "channel", "torrents", "count", count)
			}

			startTime := time.Now()

			query.WriteString(" ON DUPLICATE KEY UPDATE times_completed = times_completed + VALUE(times_completed), " +
				"seeders = VALUE(seeders), leechers = VALUE(leechers), " +
				"last_action = IF(last_action < VALUE(last_action), VALUE(last_action), last_action)")
			db.mainConn.exec(&query)

			if !db.terminate.Load() {
				metrics.UpdateFlushTime("torrents", time.Since(startTime))
				metrics.UpdateChannelLength("torrents", count)
			}

			if length < (torrentFlushBufferSize >> 1) {
				time.Sleep(time.Duration(flushSleepInterval) * time.Second)
			}
		} else if db.terminate.Load() {
			break
		} else {
			time.Sleep(time.Second)
		}
	}
}

func (db *Database) flushUsers() {
	db.waitGroup.Add(1)
	defer db.waitGroup.Done()

	var (
		query bytes.Buffer
		count int
	)

	for {
		query.Reset()
		query.WriteString("INSERT INTO users (id, uploaded, downloaded, rawdl, rawup) VALUES ")

		length := len(db.userChannel)

		for count = 0; count < length; count++ {
			b := <-db.userChannel
			if b == nil {
				panic(errGotNilFromChannel)
			}

			query.Write(b.Bytes())
			db.bufferPool.Give(b)

			if count != length-1 {
				query.WriteRune(',')
			}
		}

		if count > 0 {
			if logFlushes && !db.terminate.Load() {
				slog.Info("flushing", "channel", "users", "count", count)
			}

			startTime := time.Now()

			query.WriteString(" ON DUPLICATE KEY UPDATE uploaded = uploaded + VALUE(uploaded), " +
				"downloaded = downloaded + VALUE(downloaded), rawdl = rawdl + VALUE(rawdl), rawup = rawup + VALUE(rawup)")
			db.mainConn.exec(&query)

			if !db.terminate.Load() {
				metrics.UpdateFlushTime("users", time.Since(startTime))
				metrics.UpdateChannelLength("users", count)
			}

			if length < (userFlushBufferSize >> 1) {
				time.Sleep(time.Duration(flushSleepInterval) * time.Second)
			}
		} else if db.terminate.Load() {
			break
		} else {
			time.Sleep(time.Second)
		}
	}
}

func (db *Database) flushTransferHistory() {
	db.waitGroup.Add(1)
	defer db.waitGroup.Done()

	var (
		query bytes.Buffer
		count int
	)

	for {
		terminate := func() bool {
			db.transferHistoryLock.Lock()
			defer db.transferHistoryLock.Unlock()

			query.Reset()
			query.WriteString("INSERT INTO history (user_id, torrent_id, uploaded, downloaded, " +
				"seeding, starttime, last_announce, activetime, seedtime, active, snatched, remaining) VALUES\n")

			length := len(db.transferHistoryChannel)

			for count = 0; count < length; count++ {
				b := <-db.transferHistoryChannel
				if b == nil {
					panic(errGotNilFromChannel)
				}

				query.Write(b.Bytes())
				db.bufferPool.Give(b)

				if count != length-1 {
					query.WriteRune(',')
				}
			}

			if count > 0 {
				if logFlushes && !db.terminate.Load() {
					slog.Info("flushing", "channel", "transfer_history", "count", count)
				}

				startTime := time.Now()

				query.WriteString("\nON DUPLICATE KEY UPDATE uploaded = uploaded + VALUE(uploaded), " +
					"downloaded = downloaded + VALUE(downloaded), remaining = VALUE(remaining), " +
					"seeding = VALUE(seeding), activetime = activetime + VALUE(activetime), " +
					"seedtime = seedtime + VALUE(seedtime), last_announce = VALUE(last_announce), " +
					"active = VALUE(active), snatched = snatched + VALUE(snatched)")

				db.mainConn.exec(&query)

				if !db.terminate.Load() {
					metrics.UpdateFlushTime("transfer_history", time.Since(startTime))
					metrics.UpdateChannelLength("transfer_history", count)
				}

				return false
			}

			return db.terminate.Load()
		}()

		if terminate {
			break
		} else if count < (transferHistoryFlushBufferSize >> 1) {
			time.Sleep(time.Duration(flushSleepInterval) * time.Second)
		} else {
			time.Sleep(time.Second)
		}
	}
}

func (db *Database) flushTransferIps() {
	db.waitGroup.Add(1)
	defer db.waitGroup.Done()

	var (
		query bytes.Buffer
		count int
	)

	for {
		query.Reset()
		query.WriteString("INSERT INTO transfer_ips (user_id, torrent_id, client_id, ip, port, uploaded, downloaded, " +
			"starttime, last_announce) VALUES\n")

		length := len(db.transferIpsChannel)

		for count = 0; count < length; count++ {
			b := <-db.transferIpsChannel
			if b == nil {
				panic(errGotNilFromChannel)
			}

			query.Write(b.Bytes())
			db.bufferPool.Give(b)

			if count != length-1 {
				query.WriteRune(',')
			}
		}

		if count > 0 {
			if logFlushes && !db.terminate.Load() {
				slog.Info("flushing", "channel", "transfer_ips", "count", count)
			}

			startTime := time.Now()

			query.WriteString("\nON DUPLICATE KEY UPDATE port = VALUE(port), downloaded = downloaded + VALUE(downloaded), " +
				"uploaded = uploaded + VALUE(uploaded), last_announce = VALUE(last_announce)")
			db.mainConn.exec(&query)

			if !db.terminate.Load() {
				metrics.UpdateFlushTime("transfer_ips", time.Since(startTime))
				metrics.UpdateChannelLength("transfer_ips", count)
			}

			if length < (transferIpsFlushBufferSize >> 1) {
				time.Sleep(time.Duration(flushSleepInterval) * time.Second)
			}
		} else if db.terminate.Load() {
			break
		} else {
			time.Sleep(time.Second)
		}
	}
}

func (db *Database) flushSnatches() {
	db.waitGroup.Add(1)
	defer db.waitGroup.Done()

	var (
		query bytes.Buffer
		count int
	)

	for {
		query.Reset()
		query.WriteString("INSERT INTO history (user_id, torrent_id, snatched_time) VALUES\n")

		length := len(db.snatchChannel)

		for count = 0; count < length; count++ {
			b := <-db.snatchChannel
			if b == nil {
				panic(errGotNilFromChannel)
			}

			query.Write(b.Bytes())
			db.bufferPool.Give(b)

			if count != length-1 {
				query.WriteRune(',')
			}
		}

		if count > 0 {
			if logFlushes && !db.terminate.Load() {
				slog.Info("flushing", "channel", "snatches", "count", count)
			}

			startTime := time.Now()

			query.WriteString("\nON DUPLICATE KEY UPDATE snatched_time = VALUE(snatched_time)")
			db.mainConn.exec(&query)

			if !db.terminate.Load() {
				metrics.UpdateFlushTime("snatches", time.Since(startTime))
				metrics.UpdateChannelLength("snatches", count)
			}

			if length < (snatchFlushBufferSize >> 1) {
				time.Sleep(time.Duration(flushSleepInterval) * time.Second)
			}
		} else if db.terminate.Load() {
			break
		} else {
			time.Sleep(time.Second)
		}
	}
}

func (db *Database) flushUnregisteredHashes() {
	db.waitGroup.Add(1)
	defer db.waitGroup.Done()

	var (
		query bytes.Buffer
		count int
	)

	for {
		query.Reset()
		query.WriteString("INSERT INTO unregistered_info_hashes (info_hash, hits, last_seen) VALUES\n")

		length := len(db.unregisteredHashChannel)

		for count = 0; count < length; count++ {
			b := <-db.unregisteredHashChannel
			if b == nil {
				panic(errGotNilFromChannel)
			}

			query.Write(b.Bytes())
			db.bufferPool.Give(b)

			if count != length-1 {
				query.WriteRune(',')
			}
		}

		if count > 0 {
			if logFlushes && !db.terminate.Load() {
				slog.Info("flushing", "channel", "unregistered_hashes", "count", count)
			}

			startTime := time.Now()

			query.WriteString("\nON DUPLICATE KEY UPDATE hits = hits + VALUE(hits), last_seen = VALUE(last_seen)")
			db.mainConn.exec(&query)

			if !db.terminate.Load() {
				metrics.UpdateFlushTime("unregistered_hashes", time.Since(startTime))
				metrics.UpdateChannelLength("unregistered_hashes", count)
			}

			if length < (unregisteredHashFlushBufferSize >> 1) {
				time.Sleep(time.Duration(flushSleepInterval) * time.Second)
			}
		} else if db.terminate.Load() {
			break
		} else {
			time.Sleep(time.Second)
		}
	}
}

// purgeInactivePeers runs two independent cutoffs against every swarm:
//   - peers silent past activePeerTTL are marked inactive in the database
//     (they may still reconnect and resume without losing their history row)
//   - peers silent past inactivePeerTTL are evicted from memory entirely,
//     since at that point they are not coming back without a fresh handshake
func (db *Database) purgeInactivePeers() {
	var (
		startTime time.Time
		count     int
	)

	util.ContextTick(db.ctx, time.Duration(purgeInterval)*time.Second, func() {
		startTime = time.Now()
		count = 0

		now := time.Now().Unix()
		inactiveCutoff := now - int64(inactivePeerTTL)

		dbTorrents := *db.Torrents.Load()
		for _, torrent := range dbTorrents {
			func() {
				torrent.PeerLock()
				defer torrent.PeerUnlock()

				countThisTorrent := count

				for id, peer := range torrent.Leechers {
					if peer.LastAnnounce < inactiveCutoff {
						delete(torrent.Leechers, id)
						count++
					}
				}

				if countThisTorrent != count && len(torrent.Leechers) == 0 {
					// Reclaim the backing array; Go never shrinks a map on delete.
					torrent.Leechers = make(map[cdb.PeerKey]*cdb.Peer)
				}

				for id, peer := range torrent.Seeders {
					if peer.LastAnnounce < inactiveCutoff {
						delete(torrent.Seeders, id)
						count++
					}
				}

				if countThisTorrent != count {
					visibleLeechers := 0

					for _, peer := range torrent.Leechers {
						if peer.IsVisible {
							visibleLeechers++
						}
					}

					torrent.SeedersLength.Store(uint32(len(torrent.Seeders)))
					torrent.LeechersLength.Store(uint32(visibleLeechers))

					db.QueueTorrent(torrent, 0)
				}
			}()
		}

		elapsedTime := time.Since(startTime)
		metrics.UpdatePurgeInactivePeersTime(elapsedTime)
		slog.Info("purged inactive peers from memory", "count", count, "elapsed", elapsedTime)

		func() {
			db.waitGroup.Add(1)
			defer db.waitGroup.Done()

			// Wait so an announce that just landed isn't marked inactive before its
			// transfer_history row has been flushed.
			db.transferHistoryLock.Lock()
			defer db.transferHistoryLock.Unlock()

			activeCutoff := now - int64(activePeerTTL)
			startTime = time.Now()

			result := db.mainConn.execute(db.cleanStalePeersStmt, activeCutoff)
			if result != nil {
				rows, _ := result.RowsAffected()
				slog.Info("marked peers inactive in database", "rows", rows, "elapsed", time.Since(startTime))
			}
		}()
	})
}
