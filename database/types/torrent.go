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

package types

import (
	"sync"
	"sync/atomic"
)

// Torrent statuses, mirrored from UNIT3D's torrents.status column.
const (
	TorrentStatusApproved  uint32 = 0
	TorrentStatusPending   uint32 = 1
	TorrentStatusRejected  uint32 = 2
	TorrentStatusPostponed uint32 = 3
)

// Torrent is the in-memory swarm for a single info_hash: seeders and
// leechers live in two peer maps keyed by PeerKey, with cached
// cardinalities kept in sync on every mutation so the announce/scrape hot
// path never has to call len() under lock.
type Torrent struct {
	ID uint32

	peerMu sync.RWMutex

	Seeders  map[PeerKey]*Peer
	Leechers map[PeerKey]*Peer

	SeedersLength  atomic.Uint32
	LeechersLength atomic.Uint32

	Snatched   atomic.Uint32
	Status     atomic.Uint32
	IsDeleted  atomic.Bool
	LastAction atomic.Int64 // unix time

	GroupID atomic.Uint32 // loaded from torrents.user_id (the uploader); not read by the announce or scrape path

	UploadFactor   atomic.Uint32 // percent, 100 = 1x
	DownloadFactor atomic.Uint32 // percent, 100 = 1x, 0 = freeleech

	IsFeatured atomic.Bool
}

func NewTorrent() *Torrent {
	t := &Torrent{
		Seeders:  make(map[PeerKey]*Peer),
		Leechers: make(map[PeerKey]*Peer),
	}
	t.UploadFactor.Store(100)
	t.DownloadFactor.Store(100)

	return t
}

// PeerLock takes the torrent's swarm lock for writing. All mutation of
// Seeders/Leechers, and any read that must be consistent with a write, must
// happen while this lock (or PeerRLock for pure reads) is held.
func (t *Torrent) PeerLock() {
	t.peerMu.Lock()
}

func (t *Torrent) PeerUnlock() {
	t.peerMu.Unlock()
}

func (t *Torrent) PeerRLock() {
	t.peerMu.RLock()
}

func (t *Torrent) PeerRUnlock() {
	t.peerMu.RUnlock()
}

// UserTorrentPair identifies a (user, torrent) relationship, used as the key
// of the hit-and-run set and of the freeleech token set.
type UserTorrentPair struct {
	UserID    uint32
	TorrentID uint32
}
