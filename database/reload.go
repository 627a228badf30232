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
	"database/sql"
	"log/slog"
	"time"

	"unit3d-announce/config"
	cdb "unit3d-announce/database/types"
	"unit3d-announce/metrics"
)

var reloadInterval time.Duration

func init() {
	seconds, _ := config.Section("intervals").GetInt("reload", 60)
	reloadInterval = time.Duration(seconds) * time.Second
}

// startReloading refreshes every reference cache on a fixed cadence.
// Each cache is reloaded into a brand-new map and swapped in atomically, so
// readers on the announce/scrape hot path never observe a partial reload
// and never block behind one.
func (db *Database) startReloading() {
	go func() {
		count := 0

		for !db.terminate.Load() {
			db.waitGroup.Add(1)

			db.loadUsers()
			db.loadTorrents()
			db.loadHitAndRuns()
			db.loadFeaturedTorrents()
			db.loadFreeleechTokens()
			db.loadPersonalFreeleech()
			db.loadGlobalFreeleech()

			if count%10 == 0 {
				db.loadGroups()
				db.loadClients()
				db.loadBlacklist()
			}

			count++
			db.waitGroup.Done()
			time.Sleep(reloadInterval)
		}
	}()
}

func (db *Database) loadUsers() {
	startTime := time.Now()

	db.mainConn.mutex.Lock()
	rows := db.mainConn.query(db.loadUsersStmt)
	db.mainConn.mutex.Unlock()

	if rows == nil {
		return
	}
	defer rows.Close()

	previous := *db.Users.Load()
	next := make(map[cdb.PasskeyHash]*cdb.User, len(previous))

	var count int

	for rows.Next() {
		var (
			id                  uint32
			passkey             string
			groupID             uint32
			disableDownload     bool
			trackerHide         bool
			isLifetimeFreeleech bool
		)

		if err := rows.Scan(&id, &passkey, &groupID, &disableDownload, &trackerHide,
			&isLifetimeFreeleech); err != nil {
			slog.Error("error scanning user row", "error", err)
			continue
		}

		key := cdb.PasskeyHash(passkey)

		user, exists := previous[key]
		if !exists {
			user = cdb.NewUser()
		}

		user.ID.Store(id)
		user.GroupID.Store(groupID)
		user.DisableDownload.Store(disableDownload)
		user.TrackerHide.Store(trackerHide)
		user.IsLifetimeFreeleech.Store(isLifetimeFreeleech)

		next[key] = user
		count++
	}

	db.Users.Store(&next)

	metrics.UpdateUsers(count)
	metrics.UpdateReloadTime("users", time.Since(startTime))
}

func (db *Database) loadTorrents() {
	startTime := time.Now()

	db.mainConn.mutex.Lock()
	rows := db.mainConn.query(db.loadTorrentsStmt)
	db.mainConn.mutex.Unlock()

	if rows == nil {
		return
	}
	defer rows.Close()

	previous := *db.Torrents.Load()
	next := make(map[cdb.TorrentHash]*cdb.Torrent, len(previous))

	var count int

	for rows.Next() {
		var (
			id             uint32
			infoHash       []byte
			downMultiplier uint32
			upMultiplier   uint32
			seeders        uint32
			leechers       uint32
			snatched       uint32
			status         uint32
			userID         uint32
		)

		if err := rows.Scan(&id, &infoHash, &downMultiplier, &upMultiplier, &seeders, &leechers,
			&snatched, &status, &userID); err != nil {
			slog.Error("error scanning torrent row", "error", err)
			continue
		}

		hash := cdb.TorrentHashFromBytes(infoHash)

		torrent, exists := previous[hash]
		if !exists {
			torrent = cdb.NewTorrent()
			torrent.ID = id
		}

		torrent.DownloadFactor.Store(downMultiplier)
		torrent.UploadFactor.Store(upMultiplier)
		torrent.Snatched.Store(snatched)
		torrent.Status.Store(status)
		torrent.GroupID.Store(userID)

		next[hash] = torrent
		count++
	}

	db.Torrents.Store(&next)

	metrics.UpdateTorrents(count)
	metrics.UpdateReloadTime("torrents", time.Since(startTime))
}

func (db *Database) loadGroups() {
	startTime := time.Now()

	db.mainConn.mutex.Lock()
	rows := db.mainConn.query(db.loadGroupsStmt)
	db.mainConn.mutex.Unlock()

	if rows == nil {
		return
	}
	defer rows.Close()

	next := make(map[uint32]*cdb.Group)

	for rows.Next() {
		g := &cdb.Group{}

		var downloadSlots sql.NullInt32

		if err := rows.Scan(&g.ID, &g.Slug, &g.IsImmune, &g.IsFreeleech, &g.IsDoubleUpload,
			&downloadSlots); err != nil {
			slog.Error("error scanning group row", "error", err)
			continue
		}

		if downloadSlots.Valid {
			g.DownloadSlots = downloadSlots.Int32
		} else {
			g.DownloadSlots = -1
		}

		g.ApplyDerivedFactors()

		next[g.ID] = g
	}

	db.Groups.Store(&next)
	metrics.UpdateReloadTime("groups", time.Since(startTime))
}

func (db *Database) loadFeaturedTorrents() {
	startTime := time.Now()

	db.mainConn.mutex.Lock()
	rows := db.mainConn.query(db.loadFeaturedTorrentsStmt)
	db.mainConn.mutex.Unlock()

	if rows == nil {
		return
	}
	defer rows.Close()

	next := make(map[uint32]struct{})

	for rows.Next() {
		var torrentID uint32
		if err := rows.Scan(&torrentID); err != nil {
			slog.Error("error scanning featured torrent row", "error", err)
			continue
		}

		next[torrentID] = struct{}{}
	}

	// IsFeatured is mirrored onto the Torrent itself so the announce hot path
	// can read it without a second map lookup.
	torrents := *db.Torrents.Load()
	for _, torrent := range torrents {
		_, featured := next[torrent.ID]
		torrent.IsFeatured.Store(featured)
	}

	db.FeaturedTorrents.Store(&next)
	metrics.UpdateReloadTime("featured_torrents", time.Since(startTime))
}

func (db *Database) loadFreeleechTokens() {
	startTime := time.Now()

	db.mainConn.mutex.Lock()
	rows := db.mainConn.query(db.loadFreeleechTokensStmt)
	db.mainConn.mutex.Unlock()

	if rows == nil {
		return
	}
	defer rows.Close()

	next := make(map[cdb.UserTorrentPair]struct{})

	for rows.Next() {
		var pair cdb.UserTorrentPair
		if err := rows.Scan(&pair.UserID, &pair.TorrentID); err != nil {
			slog.Error("error scanning freeleech token row", "error", err)
			continue
		}

		next[pair] = struct{}{}
	}

	db.FreeleechTokens.Store(&next)
	metrics.UpdateReloadTime("freeleech_tokens", time.Since(startTime))
}

func (db *Database) loadPersonalFreeleech() {
	startTime := time.Now()

	db.mainConn.mutex.Lock()
	rows := db.mainConn.query(db.loadPersonalFreeleechStmt)
	db.mainConn.mutex.Unlock()

	if rows == nil {
		return
	}
	defer rows.Close()

	next := make(map[uint32]int64)

	for rows.Next() {
		var (
			userID    uint32
			expiresAt sql.NullTime
		)

		if err := rows.Scan(&userID, &expiresAt); err != nil {
			slog.Error("error scanning personal freeleech row", "error", err)
			continue
		}

		if expiresAt.Valid {
			next[userID] = expiresAt.Time.Unix()
		} else {
			next[userID] = 0
		}
	}

	db.PersonalFreeleech.Store(&next)
	metrics.UpdateReloadTime("personal_freeleech", time.Since(startTime))
}

func (db *Database) loadHitAndRuns() {
	startTime := time.Now()

	db.mainConn.mutex.Lock()
	rows := db.mainConn.query(db.loadHnrStmt)
	db.mainConn.mutex.Unlock()

	if rows == nil {
		return
	}
	defer rows.Close()

	next := make(map[cdb.UserTorrentPair]struct{})

	var count int

	for rows.Next() {
		var pair cdb.UserTorrentPair
		if err := rows.Scan(&pair.UserID, &pair.TorrentID); err != nil {
			slog.Error("error scanning hit-and-run row", "error", err)
			continue
		}

		next[pair] = struct{}{}
		count++
	}

	db.HitAndRuns.Store(&next)

	metrics.UpdateHitAndRuns(count)
	metrics.UpdateReloadTime("hit_and_runs", time.Since(startTime))
}

func (db *Database) loadClients() {
	startTime := time.Now()

	db.mainConn.mutex.Lock()
	rows := db.mainConn.query(db.loadClientsStmt)
	db.mainConn.mutex.Unlock()

	if rows == nil {
		return
	}
	defer rows.Close()

	next := make(map[uint16]string)

	var count int

	for rows.Next() {
		var (
			id     uint16
			peerID string
		)

		if err := rows.Scan(&id, &peerID); err != nil {
			slog.Error("error scanning approved client row", "error", err)
			continue
		}

		next[id] = peerID
		count++
	}

	db.Clients.Store(&next)

	metrics.UpdateClients(count)
	metrics.UpdateReloadTime("clients", time.Since(startTime))
}

func (db *Database) loadBlacklist() {
	startTime := time.Now()

	db.mainConn.mutex.Lock()
	rows := db.mainConn.query(db.loadBlacklistStmt)
	db.mainConn.mutex.Unlock()

	if rows == nil {
		return
	}
	defer rows.Close()

	next := make([]cdb.BlacklistedAgent, 0)

	for rows.Next() {
		var agent cdb.BlacklistedAgent
		if err := rows.Scan(&agent.ID, &agent.PeerIDPrefix); err != nil {
			slog.Error("error scanning blacklisted agent row", "error", err)
			continue
		}

		next = append(next, agent)
	}

	db.Blacklist.Store(&next)
	metrics.UpdateReloadTime("blacklist", time.Since(startTime))
}

func (db *Database) loadGlobalFreeleech() {
	db.mainConn.mutex.Lock()
	rows := db.mainConn.query(db.loadGlobalFreeleechStmt)
	db.mainConn.mutex.Unlock()

	if rows == nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var enabled bool
		if err := rows.Scan(&enabled); err != nil {
			slog.Error("error scanning global freeleech row", "error", err)
			continue
		}

		db.GlobalFreeleech.Store(enabled)
	}
}
