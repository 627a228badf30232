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

// Well-known group slugs that gate an announce outright, mirroring
// UNIT3D's group states.
const (
	GroupSlugBanned     = "banned"
	GroupSlugValidating = "validating"
	GroupSlugDisabled   = "disabled"
)

// Group is a UNIT3D user group (e.g. Member, VIP, Uploader). The reference
// cache for this type is a map keyed by group id, swapped whole on change.
type Group struct {
	ID   uint32
	Slug string

	IsImmune       bool
	IsFreeleech    bool
	IsDoubleUpload bool

	// DownloadSlots, if non-negative, caps the number of simultaneous
	// leech slots a member of this group may occupy across all torrents.
	// A negative value means unlimited.
	DownloadSlots int32

	// UploadFactor and DownloadFactor are derived from IsDoubleUpload/
	// IsFreeleech rather than read off a column: the groups table carries
	// no such column, matching the original's group cache construction.
	UploadFactor   uint32 // percent
	DownloadFactor uint32 // percent
}

// ApplyDerivedFactors recomputes UploadFactor/DownloadFactor from
// IsDoubleUpload/IsFreeleech. Call after any change to either flag.
func (g *Group) ApplyDerivedFactors() {
	if g.IsDoubleUpload {
		g.UploadFactor = 200
	} else {
		g.UploadFactor = 100
	}

	if g.IsFreeleech {
		g.DownloadFactor = 0
	} else {
		g.DownloadFactor = 100
	}
}

// FeaturedTorrent marks a torrent promoted by staff: its download is always
// free and its upload is always doubled, overriding every other factor.
type FeaturedTorrent struct {
	TorrentID uint32
}

// FreeleechToken is a per-(user, torrent) grant of free download. Its
// lifecycle (creation, consumption) belongs to the web application; the
// announce only ever observes membership, never mutates it.
type FreeleechToken struct {
	UserID    uint32
	TorrentID uint32
}

// PersonalFreeleech grants a user free download on every torrent until it
// expires.
type PersonalFreeleech struct {
	UserID    uint32
	ExpiresAt int64 // unix time, 0 means no expiry
}

// BlacklistedAgent matches a peer_id prefix against clients the tracker
// refuses to serve. The User-Agent header is not matched.
type BlacklistedAgent struct {
	ID          uint16
	PeerIDPrefix string
}

// UnregisteredInfoHash counts announces for an info_hash the tracker does
// not recognize, so staff can see candidate torrents being leaked/shared
// outside the catalog.
type UnregisteredInfoHash struct {
	InfoHash TorrentHash
	Hits     uint32
	LastSeen int64
}
