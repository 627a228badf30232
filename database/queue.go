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
	"encoding/hex"
	"strconv"

	cdb "unit3d-announce/database/types"
	"unit3d-announce/util"
)

/*
 * Callers are expected to already hold whatever lock protects the fields
 * being read (the torrent's peer lock, in most cases).
 *
 * Buffers are used for efficient string concatenation. These functions take
 * a buffer from the pool but don't give it back - the flush goroutines do,
 * once the batch has been sent to the database.
 */

func (db *Database) QueueTorrent(torrent *cdb.Torrent, deltaSnatch uint8) {
	tq := db.bufferPool.Take()

	tq.WriteString("(")
	tq.WriteString(strconv.FormatUint(uint64(torrent.ID), 10))
	tq.WriteString(",")
	tq.WriteString(strconv.FormatUint(uint64(deltaSnatch), 10))
	tq.WriteString(",")
	tq.WriteString(strconv.FormatUint(uint64(torrent.SeedersLength.Load()), 10))
	tq.WriteString(",")
	tq.WriteString(strconv.FormatUint(uint64(torrent.LeechersLength.Load()), 10))
	tq.WriteString(",")
	tq.WriteString(strconv.FormatInt(torrent.LastAction.Load(), 10))
	tq.WriteString(")")

	select {
	case db.torrentChannel <- tq:
	default:
		go func() {
			db.torrentChannel <- tq
		}()
	}
}

func (db *Database) QueueUser(user *cdb.User, rawDeltaUp, rawDeltaDown, deltaUp, deltaDown int64) {
	uq := db.bufferPool.Take()

	uq.WriteString("(")
	uq.WriteString(strconv.FormatUint(uint64(user.ID.Load()), 10))
	uq.WriteString(",")
	uq.WriteString(strconv.FormatInt(deltaUp, 10))
	uq.WriteString(",")
	uq.WriteString(strconv.FormatInt(deltaDown, 10))
	uq.WriteString(",")
	uq.WriteString(strconv.FormatInt(rawDeltaDown, 10))
	uq.WriteString(",")
	uq.WriteString(strconv.FormatInt(rawDeltaUp, 10))
	uq.WriteString(")")

	select {
	case db.userChannel <- uq:
	default:
		go func() {
			db.userChannel <- uq
		}()
	}
}

func (db *Database) QueueTransferHistory(peer *cdb.Peer, rawDeltaUp, rawDeltaDown, deltaTime, deltaSeedTime int64,
	deltaSnatch uint8, active bool) {
	th := db.bufferPool.Take()

	th.WriteString("(")
	th.WriteString(strconv.FormatUint(uint64(peer.UserID), 10))
	th.WriteString(",")
	th.WriteString(strconv.FormatUint(uint64(peer.TorrentID), 10))
	th.WriteString(",")
	th.WriteString(strconv.FormatInt(rawDeltaUp, 10))
	th.WriteString(",")
	th.WriteString(strconv.FormatInt(rawDeltaDown, 10))
	th.WriteString(",")
	th.WriteString(util.Btoa(peer.Seeding))
	th.WriteString(",")
	th.WriteString(strconv.FormatInt(peer.StartTime, 10))
	th.WriteString(",")
	th.WriteString(strconv.FormatInt(peer.LastAnnounce, 10))
	th.WriteString(",")
	th.WriteString(strconv.FormatInt(deltaTime, 10))
	th.WriteString(",")
	th.WriteString(strconv.FormatInt(deltaSeedTime, 10))
	th.WriteString(",")
	th.WriteString(util.Btoa(active))
	th.WriteString(",")
	th.WriteString(strconv.FormatUint(uint64(deltaSnatch), 10))
	th.WriteString(",")
	th.WriteString(strconv.FormatUint(peer.Left, 10))
	th.WriteString(")")

	select {
	case db.transferHistoryChannel <- th:
	default:
		go func() {
			db.transferHistoryChannel <- th
		}()
	}
}

func (db *Database) QueueTransferIP(peer *cdb.Peer, addr cdb.PeerAddress, rawDeltaUp, rawDeltaDown int64) {
	ti := db.bufferPool.Take()

	ti.WriteString("(")
	ti.WriteString(strconv.FormatUint(uint64(peer.UserID), 10))
	ti.WriteString(",")
	ti.WriteString(strconv.FormatUint(uint64(peer.TorrentID), 10))
	ti.WriteString(",")
	ti.WriteString(strconv.FormatUint(uint64(peer.ClientID), 10))
	ti.WriteString(",")
	ti.WriteString(strconv.FormatUint(uint64(addr.IPNumeric()), 10))
	ti.WriteString(",")
	ti.WriteString(strconv.FormatUint(uint64(addr.Port()), 10))
	ti.WriteString(",")
	ti.WriteString(strconv.FormatInt(rawDeltaUp, 10))
	ti.WriteString(",")
	ti.WriteString(strconv.FormatInt(rawDeltaDown, 10))
	ti.WriteString(",")
	ti.WriteString(strconv.FormatInt(peer.StartTime, 10))
	ti.WriteString(",")
	ti.WriteString(strconv.FormatInt(peer.LastAnnounce, 10))
	ti.WriteString(")")

	select {
	case db.transferIpsChannel <- ti:
	default:
		go func() {
			db.transferIpsChannel <- ti
		}()
	}
}

func (db *Database) QueueSnatch(peer *cdb.Peer, now int64) {
	sn := db.bufferPool.Take()

	sn.WriteString("(")
	sn.WriteString(strconv.FormatUint(uint64(peer.UserID), 10))
	sn.WriteString(",")
	sn.WriteString(strconv.FormatUint(uint64(peer.TorrentID), 10))
	sn.WriteString(",")
	sn.WriteString(strconv.FormatInt(now, 10))
	sn.WriteString(")")

	select {
	case db.snatchChannel <- sn:
	default:
		go func() {
			db.snatchChannel <- sn
		}()
	}
}

// UnPrune flips a pending/postponed torrent back to approved the first time
// a seeder announces for it, since that can only happen once the upload has
// actually finished processing.
func (db *Database) UnPrune(torrent *cdb.Torrent) {
	db.mainConn.mutex.Lock()
	db.mainConn.execute(db.unPruneTorrentStmt, cdb.TorrentStatusApproved, torrent.ID)
	db.mainConn.mutex.Unlock()
}

// QueueUnregisteredInfoHash records an announce against an info_hash the
// tracker doesn't recognize, so staff can see activity for torrents leaked
// or shared outside the catalog.
func (db *Database) QueueUnregisteredInfoHash(hash cdb.TorrentHash, now int64) {
	uh := db.bufferPool.Take()

	uh.WriteString("(")
	uh.WriteString("0x")
	uh.WriteString(hex.EncodeToString(hash[:]))
	uh.WriteString(",1,")
	uh.WriteString(strconv.FormatInt(now, 10))
	uh.WriteString(")")

	select {
	case db.unregisteredHashChannel <- uh:
	default:
		go func() {
			db.unregisteredHashChannel <- uh
		}()
	}
}
