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
	"maps"
	"time"

	cdb "unit3d-announce/database/types"

	"github.com/jinzhu/copier"
)

/*
 * The admin surface pushes changes the web application already committed
 * to MySQL straight into the in-memory reference caches, the same
 * copy-on-write swap every reload.go loader uses - so an admin update is
 * visible on the very next announce rather than waiting out a full
 * reload tick.
 */

// AdminStats is the snapshot served by the admin stats endpoint.
type AdminStats struct {
	StartTime   int64 `json:"start_time"`
	Users       int   `json:"users"`
	Torrents    int   `json:"torrents"`
	Groups      int   `json:"groups"`
	Clients     int   `json:"clients"`
	Blacklisted int   `json:"blacklisted"`
	HitAndRuns  int   `json:"hit_and_runs"`
	Seeders     int   `json:"seeders"`
	Leechers    int   `json:"leechers"`
}

func (db *Database) Stats(startTime time.Time) AdminStats {
	torrents := *db.Torrents.Load()

	var seeders, leechers int

	for _, torrent := range torrents {
		torrent.PeerRLock()
		seeders += int(torrent.SeedersLength.Load())
		leechers += int(torrent.LeechersLength.Load())
		torrent.PeerRUnlock()
	}

	return AdminStats{
		StartTime:   startTime.Unix(),
		Users:       len(*db.Users.Load()),
		Torrents:    len(torrents),
		Groups:      len(*db.Groups.Load()),
		Clients:     len(*db.Clients.Load()),
		Blacklisted: len(*db.Blacklist.Load()),
		HitAndRuns:  len(*db.HitAndRuns.Load()),
		Seeders:     seeders,
		Leechers:    leechers,
	}
}

// ReloadAll forces an immediate, synchronous refresh of every reference
// cache instead of waiting for the next tick of startReloading's loop.
func (db *Database) ReloadAll() {
	db.loadUsers()
	db.loadTorrents()
	db.loadGroups()
	db.loadClients()
	db.loadHitAndRuns()
	db.loadFeaturedTorrents()
	db.loadFreeleechTokens()
	db.loadPersonalFreeleech()
	db.loadGlobalFreeleech()
	db.loadBlacklist()
}

// UpsertUser creates or updates a user in the reference cache, keyed by
// passkey. newPasskey, if non-empty, moves the entry under a new key -
// mirroring a passkey reset in the web application.
func (db *Database) UpsertUser(passkey string, newPasskey string, groupID uint32, disableDownload,
	trackerHide, isLifetimeFreeleech bool) {
	previous := *db.Users.Load()
	next := make(map[cdb.PasskeyHash]*cdb.User, len(previous)+1)
	maps.Copy(next, previous)

	key := cdb.PasskeyHash(passkey)

	user, exists := next[key]
	if !exists {
		user = cdb.NewUser()
		user.ID.Store(uint32(len(next) + 1))
	}

	user.GroupID.Store(groupID)
	user.DisableDownload.Store(disableDownload)
	user.TrackerHide.Store(trackerHide)
	user.IsLifetimeFreeleech.Store(isLifetimeFreeleech)

	if newPasskey != "" && newPasskey != passkey {
		delete(next, key)
		key = cdb.PasskeyHash(newPasskey)
	}

	next[key] = user

	db.Users.Store(&next)
}

func (db *Database) DeleteUser(passkey string) {
	previous := *db.Users.Load()
	next := make(map[cdb.PasskeyHash]*cdb.User, len(previous))
	maps.Copy(next, previous)

	delete(next, cdb.PasskeyHash(passkey))

	db.Users.Store(&next)
}

// UpsertTorrent creates or updates a torrent in the reference cache, keyed
// by info_hash. Existing swarm state (Seeders/Leechers) is preserved across
// the update.
func (db *Database) UpsertTorrent(infoHash cdb.TorrentHash, id uint32, status uint32,
	uploadFactor, downloadFactor uint32) {
	previous := *db.Torrents.Load()
	next := make(map[cdb.TorrentHash]*cdb.Torrent, len(previous)+1)
	maps.Copy(next, previous)

	torrent, exists := next[infoHash]
	if !exists {
		torrent = cdb.NewTorrent()
	}

	torrent.ID = id
	torrent.Status.Store(status)
	torrent.UploadFactor.Store(uploadFactor)
	torrent.DownloadFactor.Store(downloadFactor)

	next[infoHash] = torrent

	db.Torrents.Store(&next)
}

// DeleteTorrent marks a torrent as deleted in place rather than dropping it
// from the map outright, so in-flight announces/scrapes against it fail
// the status check on their next call instead of racing a removed entry.
func (db *Database) DeleteTorrent(infoHash cdb.TorrentHash) {
	torrents := *db.Torrents.Load()

	if torrent, exists := torrents[infoHash]; exists {
		torrent.IsDeleted.Store(true)
		torrent.Status.Store(cdb.TorrentStatusRejected)
	}
}

// UpsertGroup creates or updates a group; partial updates are
// folded in by copier, skipping any zero-valued field in the request
// rather than stomping an existing group back to zero values.
func (db *Database) UpsertGroup(req AdminGroupRequest) {
	previous := *db.Groups.Load()
	next := make(map[uint32]*cdb.Group, len(previous)+1)
	maps.Copy(next, previous)

	group, exists := next[req.ID]
	if !exists {
		group = &cdb.Group{ID: req.ID, DownloadSlots: -1}
	}

	_ = copier.CopyWithOption(group, &req, copier.Option{IgnoreEmpty: true})
	group.ApplyDerivedFactors()

	next[req.ID] = group

	db.Groups.Store(&next)
}

// AdminGroupRequest is the partial-update payload copier folds onto an
// existing (or freshly-defaulted) Group. UploadFactor/DownloadFactor are
// deliberately absent: they are derived from IsDoubleUpload/IsFreeleech via
// Group.ApplyDerivedFactors rather than admin-settable directly.
type AdminGroupRequest struct {
	ID             uint32
	Slug           string
	IsImmune       bool
	IsFreeleech    bool
	IsDoubleUpload bool
	DownloadSlots  int32
}

func (db *Database) DeleteGroup(id uint32) {
	previous := *db.Groups.Load()
	next := make(map[uint32]*cdb.Group, len(previous))
	maps.Copy(next, previous)

	delete(next, id)

	db.Groups.Store(&next)
}

func (db *Database) UpsertBlacklistedAgent(id uint16, peerIDPrefix string) {
	previous := *db.Blacklist.Load()
	next := make([]cdb.BlacklistedAgent, 0, len(previous)+1)

	for _, agent := range previous {
		if agent.PeerIDPrefix != peerIDPrefix {
			next = append(next, agent)
		}
	}

	next = append(next, cdb.BlacklistedAgent{ID: id, PeerIDPrefix: peerIDPrefix})

	db.Blacklist.Store(&next)
}

func (db *Database) DeleteBlacklistedAgent(peerIDPrefix string) {
	previous := *db.Blacklist.Load()
	next := make([]cdb.BlacklistedAgent, 0, len(previous))

	for _, agent := range previous {
		if agent.PeerIDPrefix != peerIDPrefix {
			next = append(next, agent)
		}
	}

	db.Blacklist.Store(&next)
}

func (db *Database) SetFeaturedTorrent(torrentID uint32, featured bool) {
	previous := *db.FeaturedTorrents.Load()
	next := make(map[uint32]struct{}, len(previous)+1)
	maps.Copy(next, previous)

	if featured {
		next[torrentID] = struct{}{}
	} else {
		delete(next, torrentID)
	}

	db.FeaturedTorrents.Store(&next)

	for _, torrent := range *db.Torrents.Load() {
		if torrent.ID == torrentID {
			torrent.IsFeatured.Store(featured)
			break
		}
	}
}

func (db *Database) SetPersonalFreeleech(userID uint32, expiresAt int64) {
	previous := *db.PersonalFreeleech.Load()
	next := make(map[uint32]int64, len(previous)+1)
	maps.Copy(next, previous)

	next[userID] = expiresAt

	db.PersonalFreeleech.Store(&next)
}

func (db *Database) DeletePersonalFreeleech(userID uint32) {
	previous := *db.PersonalFreeleech.Load()
	next := make(map[uint32]int64, len(previous))
	maps.Copy(next, previous)

	delete(next, userID)

	db.PersonalFreeleech.Store(&next)
}

func (db *Database) SetFreeleechToken(pair cdb.UserTorrentPair, active bool) {
	previous := *db.FreeleechTokens.Load()
	next := make(map[cdb.UserTorrentPair]struct{}, len(previous)+1)
	maps.Copy(next, previous)

	if active {
		next[pair] = struct{}{}
	} else {
		delete(next, pair)
	}

	db.FreeleechTokens.Store(&next)
}
