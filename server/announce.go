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
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"unit3d-announce/config"
	"unit3d-announce/database"
	cdb "unit3d-announce/database/types"
	"unit3d-announce/record"
	"unit3d-announce/server/params"
	"unit3d-announce/util"

	"github.com/valyala/fasthttp"
)

var (
	announceInterval       int
	minAnnounceInterval    int
	peerInactivityInterval int
	maxAnnounceDrift       int
	defaultNumWant         int
	maxNumWant             int

	strictPort bool

	maxPeersPerTorrentPerUser int

	trackUnregisteredHashes bool

	connectivityCheckEnabled  bool
	connectivityCheckInterval int64

	globalUploadFactor   uint32
	globalDownloadFactor uint32
)

var browserSubstrings = []string{"mozilla", "chrome", "safari", "bot"}

func init() {
	intervalsConfig := config.Section("intervals")
	announceConfig := config.Section("announce")

	announceInterval, _ = intervalsConfig.GetInt("announce", 1800)
	minAnnounceInterval, _ = intervalsConfig.GetInt("min_announce", 900)
	peerInactivityInterval, _ = intervalsConfig.GetInt("peer_inactivity", 3900)
	maxAnnounceDrift, _ = intervalsConfig.GetInt("announce_drift", 300)

	connectivityCheckSeconds, _ := intervalsConfig.GetInt("connectivity_check", 1800)
	connectivityCheckInterval = int64(connectivityCheckSeconds)

	strictPort, _ = announceConfig.GetBool("strict_port", false)
	defaultNumWant, _ = announceConfig.GetInt("numwant", 25)
	maxNumWant, _ = announceConfig.GetInt("max_numwant", 50)
	maxPeersPerTorrentPerUser, _ = announceConfig.GetInt("max_peers_per_torrent_per_user", 10)
	trackUnregisteredHashes, _ = announceConfig.GetBool("track_unregistered_hashes", true)
	connectivityCheckEnabled, _ = announceConfig.GetBool("connectivity_check_enabled", false)

	upFactor, _ := announceConfig.GetInt("upload_factor", 100)
	globalUploadFactor = uint32(upFactor)

	downFactor, _ := announceConfig.GetInt("download_factor", 100)
	globalDownloadFactor = uint32(downFactor)
}

// hasAbnormalHeaders rejects anything carrying browser-only headers: real
// BitTorrent clients never send these.
func hasAbnormalHeaders(ctx *fasthttp.RequestCtx) bool {
	h := &ctx.Request.Header

	return len(h.Peek("Accept-Language")) > 0 ||
		len(h.Peek("Referer")) > 0 ||
		len(h.Peek("Accept-Charset")) > 0 ||
		len(h.Peek("Want-Digest")) > 0
}

// sanitizeUserAgent truncates to 64 bytes and rejects control characters or
// known-browser substrings, so a spoofed client can't smuggle junk into the
// agent string kept on its in-memory peer.
func sanitizeUserAgent(raw []byte) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}

	if len(raw) > 64 {
		raw = raw[:64]
	}

	for _, b := range raw {
		if b < 0x20 || b == 0x7f {
			return "", false
		}
	}

	ua := string(raw)
	lower := strings.ToLower(ua)

	for _, substr := range browserSubstrings {
		if strings.Contains(lower, substr) {
			return "", false
		}
	}

	return ua, true
}

func gatedGroupReason(group *cdb.Group) string {
	switch group.Slug {
	case cdb.GroupSlugBanned:
		return "Your account has been banned"
	case cdb.GroupSlugValidating:
		return "Your account is still being validated"
	case cdb.GroupSlugDisabled:
		return "Your account has been disabled"
	default:
		return ""
	}
}

func groupOf(db *database.Database, groupID uint32) *cdb.Group {
	if group, exists := (*db.Groups.Load())[groupID]; exists {
		return group
	}

	return &cdb.Group{DownloadSlots: -1, UploadFactor: 100, DownloadFactor: 100}
}

// resolveFactors pins the factor computation order: the floor/ceiling chain
// (global, group, torrent) runs first, then the featured/freeleech
// overrides apply independently of it rather than being folded into the
// same min/max chain. group.UploadFactor/DownloadFactor are themselves
// derived from IsDoubleUpload/IsFreeleech (see cdb.Group.ApplyDerivedFactors).
func resolveFactors(torrent *cdb.Torrent, group *cdb.Group, freeleech bool) (uploadFactor, downloadFactor float64) {
	uploadPercent := max(globalUploadFactor, group.UploadFactor, torrent.UploadFactor.Load())
	if torrent.IsFeatured.Load() {
		uploadPercent = 200
	}

	downloadPercent := min(globalDownloadFactor, group.DownloadFactor, torrent.DownloadFactor.Load())
	if freeleech || torrent.IsFeatured.Load() {
		downloadPercent = 0
	}

	return float64(uploadPercent) / 100, float64(downloadPercent) / 100
}

func isFreeleeching(db *database.Database, user *cdb.User, torrent *cdb.Torrent, group *cdb.Group) bool {
	if db.GlobalFreeleech.Load() || group.IsFreeleech || user.IsLifetimeFreeleech.Load() {
		return true
	}

	if expiresAt, exists := (*db.PersonalFreeleech.Load())[user.ID.Load()]; exists {
		if expiresAt == 0 || expiresAt > time.Now().Unix() {
			return true
		}
	}

	// Token lifecycle (creation, consumption) belongs to the web application;
	// the announce only ever observes membership.
	pair := cdb.UserTorrentPair{UserID: user.ID.Load(), TorrentID: torrent.ID}
	if _, exists := (*db.FreeleechTokens.Load())[pair]; exists {
		return true
	}

	return false
}

// resolveAnnounceIP trusts an explicit ip/ipv4/ipv6 query parameter (clients
// behind NAT64 or on dual-stack setups use this to report their real
// address) before falling back to proxy headers and the socket address.
func resolveAnnounceIP(ctx *fasthttp.RequestCtx, qp *params.QueryParam) net.IP {
	for _, key := range []string{"ip", "ipv4", "ipv6"} {
		if value, exists := qp.Get(key); exists {
			if ip := net.ParseIP(value); ip != nil {
				return ip
			}
		}
	}

	addr := getIPAddressFromRequest(ctx)

	return net.IP(addr.AsSlice())
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

// applyCountDelta nudges a counter by -1, 0, or +1; an announce only ever
// changes a single peer's seed/leech inclusion, so no larger delta arises.
func applyCountDelta(counter *atomic.Uint32, delta int) {
	switch delta {
	case 1:
		counter.Add(1)
	case -1:
		counter.Add(^uint32(0))
	}
}

func countUserPeers(torrent *cdb.Torrent, userID uint32) int {
	n := 0

	for _, p := range torrent.Leechers {
		if p.UserID == userID {
			n++
		}
	}

	for _, p := range torrent.Seeders {
		if p.UserID == userID {
			n++
		}
	}

	return n
}

// scheduleConnectivityCheck dials the peer's advertised address from its own
// goroutine and writes the result onto the peer (under the torrent's peer
// lock) as soon as the dial finishes, never blocking the announce that
// triggered it.
func scheduleConnectivityCheck(torrent *cdb.Torrent, peerKey cdb.PeerKey, host string, port uint16, now int64) {
	go func() {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))), 2*time.Second)

		connectable := err == nil
		if conn != nil {
			_ = conn.Close()
		}

		torrent.PeerLock()
		defer torrent.PeerUnlock()

		if p, exists := torrent.Leechers[peerKey]; exists {
			p.Connectable = connectable
			p.CheckedAt = now
		} else if p, exists := torrent.Seeders[peerKey]; exists {
			p.Connectable = connectable
			p.CheckedAt = now
		}
	}()
}

func announce(ctx *fasthttp.RequestCtx, user *cdb.User, db *database.Database, buf *bytes.Buffer) int {
	if hasAbnormalHeaders(ctx) {
		failure("Malformed request - abnormal headers present", buf, 1*time.Hour)
		return fasthttp.StatusOK
	}

	userAgent, validAgent := sanitizeUserAgent(ctx.Request.Header.Peek("User-Agent"))
	if !validAgent {
		failure("Malformed request - missing or invalid User-Agent", buf, 1*time.Hour)
		return fasthttp.StatusOK
	}

	qp, err := params.ParseQuery(string(ctx.QueryArgs().QueryString()))
	if err != nil {
		panic(err)
	}

	infoHashes := qp.InfoHashes()
	if len(infoHashes) == 0 {
		failure("Malformed request - missing info_hash", buf, 1*time.Hour)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	} else if len(infoHashes) > 1 {
		failure("Malformed request - can only announce singular info_hash", buf, 1*time.Hour)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	}

	peerIDRaw, exists := qp.Get("peer_id")
	if !exists || len(peerIDRaw) != 20 {
		failure("Malformed request - missing or invalid peer_id", buf, 1*time.Hour)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	}

	port, exists := qp.GetUint16("port")
	if !exists {
		failure("Malformed request - missing port", buf, 1*time.Hour)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	}

	if strictPort && port < 1024 {
		failure(fmt.Sprintf("Malformed request - port outside of acceptable range (port: %d)", port),
			buf, 1*time.Hour)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	}

	uploaded, exists := qp.GetUint64("uploaded")
	if !exists {
		failure("Malformed request - missing uploaded", buf, 1*time.Hour)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	}

	downloaded, exists := qp.GetUint64("downloaded")
	if !exists {
		failure("Malformed request - missing downloaded", buf, 1*time.Hour)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	}

	left, exists := qp.GetUint64("left")
	if !exists {
		failure("Malformed request - missing left", buf, 1*time.Hour)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	}

	event, _ := qp.Get("event")
	stopped := event == "stopped"
	completed := event == "completed"

	numWant, numWantExists := qp.GetUint64("numwant")

	switch {
	case stopped:
		numWant = 0
	case !numWantExists:
		numWant = uint64(defaultNumWant)
	case numWant > uint64(maxNumWant):
		numWant = uint64(maxNumWant)
	}

	ip := resolveAnnounceIP(ctx, qp)
	if ip == nil {
		failure("Failed to parse IP address", buf, 1*time.Hour)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	}

	clientID, matched := isClientApproved(peerIDRaw, db)
	if !matched {
		failure("Your client is not approved", buf, 1*time.Hour)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	}

	for _, agent := range *db.Blacklist.Load() {
		if strings.HasPrefix(peerIDRaw, agent.PeerIDPrefix) {
			failure("Your client is blacklisted", buf, 1*time.Hour)
			return fasthttp.StatusOK // Required by torrent clients to interpret failure response
		}
	}

	group := groupOf(db, user.GroupID.Load())
	if reason := gatedGroupReason(group); reason != "" {
		failure(reason, buf, 1*time.Hour)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	}

	torrent, exists := (*db.Torrents.Load())[infoHashes[0]]
	if !exists {
		if trackUnregisteredHashes {
			db.QueueUnregisteredInfoHash(infoHashes[0], time.Now().Unix())
		}

		failure("This torrent does not exist", buf, 5*time.Minute)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	}

	// Take torrent peers lock to read/write on it to prevent race conditions
	torrent.PeerLock()
	defer torrent.PeerUnlock()

	if torrentStatus := torrent.Status.Load(); torrentStatus == cdb.TorrentStatusPending && left == 0 {
		slog.Info("unpruning torrent", "fid", torrent.ID)

		torrent.Status.Store(cdb.TorrentStatusApproved)

		/* It is okay to do this asynchronously as tracker's internal in-memory state has already been updated for
		this torrent. While it is technically possible that we will do this more than once in some cases, the state
		is of boolean type so there is no risk of data loss. */
		go db.UnPrune(torrent)
	} else if torrentStatus != cdb.TorrentStatusApproved {
		failure(fmt.Sprintf("This torrent does not exist (torrentStatus: %d, left: %d)", torrentStatus, left),
			buf, 15*time.Minute)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	}

	var (
		peer    *cdb.Peer
		peerKey = cdb.NewPeerKey(user.ID.Load(), cdb.PeerIDFromRawString(peerIDRaw))

		now = time.Now().Unix()

		newPeer                   bool
		becameLeeching            bool
		transitionLeecherToSeeder bool
		transitionSeederToLeecher bool
		seeding                   bool

		// priorIncludedSeed/priorIncludedLeech record whether this peer
		// counted toward the torrent's seeders/leechers before this
		// announce, i.e. whether it was active and visible. A seeder is
		// always visible, so priorIncludedSeed only depends on role.
		priorIncludedSeed  bool
		priorIncludedLeech bool
	)

	if left > 0 {
		if isDisabledDownload(db, user, torrent) {
			failure("Your download privileges are disabled", buf, 1*time.Hour)
			return fasthttp.StatusOK // Required by torrent clients to interpret failure response
		}

		peer, exists = torrent.Leechers[peerKey]
		if exists {
			priorIncludedLeech = peer.IsVisible
		} else {
			peer, transitionSeederToLeecher = torrent.Seeders[peerKey]
			if transitionSeederToLeecher {
				priorIncludedSeed = true
				delete(torrent.Seeders, peerKey)
			} else {
				newPeer = true
				peer = &cdb.Peer{}
			}

			becameLeeching = true
			torrent.Leechers[peerKey] = peer
		}
	} else {
		peer, exists = torrent.Seeders[peerKey]
		if exists {
			priorIncludedSeed = true
		} else {
			peer, transitionLeecherToSeeder = torrent.Leechers[peerKey]
			if transitionLeecherToSeeder {
				priorIncludedLeech = peer.IsVisible
				delete(torrent.Leechers, peerKey)
			} else {
				newPeer = true
				peer = &cdb.Peer{}
			}

			torrent.Seeders[peerKey] = peer
		}

		seeding = true
	}

	if newPeer && countUserPeers(torrent, user.ID.Load()) > maxPeersPerTorrentPerUser {
		if seeding {
			delete(torrent.Seeders, peerKey)
		} else {
			delete(torrent.Leechers, peerKey)
		}

		failure("Your client has too many peers on this torrent", buf, 1*time.Hour)
		return fasthttp.StatusOK // Required by torrent clients to interpret failure response
	}

	// A seeder is always visible. The download-slot visibility gate for
	// leechers only fires when a leech slot is newly occupied (new peer or
	// seeder->leecher flip); a leecher simply refreshing an already-counted
	// slot heals back to visible as soon as room opens up, but is never
	// pushed invisible outside that moment.
	switch {
	case seeding:
		peer.IsVisible = true
	case becameLeeching:
		peer.IsVisible = group.IsImmune || group.DownloadSlots < 0 || int32(user.NumLeeching.Load()) < group.DownloadSlots
	default:
		if !peer.IsVisible &&
			(group.IsImmune || group.DownloadSlots < 0 || int32(user.NumLeeching.Load()) < group.DownloadSlots) {
			peer.IsVisible = true
		}
	}

	if newPeer {
		peer.ID = peerKey.PeerID()
		peer.UserID = user.ID.Load()
		peer.TorrentID = torrent.ID
		peer.StartTime = now
		peer.LastAnnounce = now
		peer.Uploaded = uploaded
		peer.Downloaded = downloaded
	}

	isV4 := ip.To4() != nil
	if isV4 {
		peer.Addr = cdb.NewPeerAddressFromIPPort(ip, port)
	} else {
		peer.Addr6 = cdb.NewPeerAddress6FromIPPort(ip, port)
	}

	peer.ClientID = clientID
	peer.UserAgent = userAgent

	// If a user restarts a torrent, their delta may be negative; attenuating this to 0 should be fine for stats
	rawDeltaUpload := int64(uploaded) - int64(peer.Uploaded)
	if rawDeltaUpload < 0 {
		rawDeltaUpload = 0
	}

	rawDeltaDownload := int64(downloaded) - int64(peer.Downloaded)
	if rawDeltaDownload < 0 {
		rawDeltaDownload = 0
	}

	freeleech := isFreeleeching(db, user, torrent, group)
	uploadFactor, downloadFactor := resolveFactors(torrent, group, freeleech)

	deltaUpload := int64(float64(rawDeltaUpload) * uploadFactor)
	deltaDownload := int64(float64(rawDeltaDownload) * downloadFactor)

	peer.Uploaded = uploaded
	peer.Downloaded = downloaded
	peer.Left = left

	deltaTime := now - peer.LastAnnounce
	if deltaTime > int64(peerInactivityInterval) || deltaTime < 0 {
		deltaTime = 0
	}

	var deltaSeedTime int64
	if seeding {
		deltaSeedTime = now - peer.LastAnnounce
		if deltaSeedTime > int64(peerInactivityInterval) || deltaSeedTime < 0 {
			deltaSeedTime = 0
		}
	}

	peer.LastAnnounce = now
	peer.Seeding = seeding

	/* Update torrent last_action only if announced action is seeding.
	This allows dead torrents without seeders but with leechers to be properly pruned */
	if seeding {
		torrent.LastAction.Store(now)
	}

	var deltaSnatch uint8

	if stopped {
		/* We can remove the peer from the list and still have their stats be recorded, since we still have a
		reference to their object. After flushing, all references should be gone, allowing the peer to be GC'd. */
		if seeding {
			delete(torrent.Seeders, peerKey)
		} else {
			delete(torrent.Leechers, peerKey)
		}
	} else if completed {
		deltaSnatch = 1

		db.QueueSnatch(peer, now) // Non-blocking
	}

	// newIncludedSeed/newIncludedLeech mirror priorIncludedSeed/priorIncludedLeech
	// after this announce: false for a stopped peer (removed above regardless
	// of visibility), otherwise gated on role and the visibility just resolved.
	newIncludedSeed := !stopped && seeding
	newIncludedLeech := !stopped && !seeding && peer.IsVisible

	applyCountDelta(&torrent.SeedersLength, boolToInt(newIncludedSeed)-boolToInt(priorIncludedSeed))
	applyCountDelta(&torrent.LeechersLength, boolToInt(newIncludedLeech)-boolToInt(priorIncludedLeech))
	applyCountDelta(&user.NumSeeding, boolToInt(newIncludedSeed)-boolToInt(priorIncludedSeed))
	applyCountDelta(&user.NumLeeching, boolToInt(newIncludedLeech)-boolToInt(priorIncludedLeech))

	persistAddr := peer.Addr // This is done here so that we don't have to keep two instances of Addr for each Peer
	if user.TrackerHide.Load() {
		persistAddr = cdb.NewPeerAddressFromIPPort(net.IP{127, 0, 0, 1}, port)
	}

	if connectivityCheckEnabled && isV4 && !stopped && (now-peer.CheckedAt) >= connectivityCheckInterval {
		scheduleConnectivityCheck(torrent, peerKey, peer.Addr.IPString(), peer.Addr.Port(), now)
	}

	// Underlying queue operations are non-blocking by spawning new goroutine if channel is already full
	db.QueueTorrent(torrent, deltaSnatch)
	db.QueueTransferHistory(peer, rawDeltaUpload, rawDeltaDownload, deltaTime, deltaSeedTime, deltaSnatch, !stopped)
	db.QueueUser(user, rawDeltaUpload, rawDeltaDownload, deltaUpload, deltaDownload)
	db.QueueTransferIP(peer, persistAddr, rawDeltaUpload, rawDeltaDownload)

	// Record must be done in separate goroutine for now; todo: rewrite this so it doesn't tank performance
	go record.Record(peer.TorrentID, user.ID.Load(), persistAddr, event, seeding, deltaUpload, deltaDownload,
		uploaded, downloaded, left)

	// Generate response
	seedCount := int64(torrent.SeedersLength.Load())
	leechCount := int64(torrent.LeechersLength.Load())
	snatchCount := int64(torrent.Snatched.Load())

	/* We ask clients to announce each interval seconds. In order to spread the load on the tracker, we vary the
	interval given to the client by a random number of seconds between 0 and the value specified in config */
	announceDrift := util.UnsafeRand(0, maxAnnounceDrift)

	util.BencodeAnnounceHeader(buf, seedCount, leechCount, snatchCount, announceInterval+announceDrift,
		minAnnounceInterval)

	if numWant > 0 && !stopped {
		compactParam, compactExists := qp.Get("compact")
		compact := !compactExists || compactParam != "0"

		noPeerIDParam, noPeerIDExists := qp.Get("no_peer_id")
		noPeerID := noPeerIDExists && noPeerIDParam != "0"

		var zero4 cdb.PeerAddress

		var zero6 cdb.PeerAddress6

		v4Peers := make([]*cdb.Peer, 0, util.Min(int(numWant), int(leechCount+seedCount)))
		v6Peers := make([]*cdb.Peer, 0, util.Min(int(numWant), int(leechCount+seedCount)))

		full := func() bool {
			return len(v4Peers) >= int(numWant) && len(v6Peers) >= int(numWant)
		}

		considerCandidate := func(candidate *cdb.Peer) {
			if candidate.UserID == peer.UserID {
				return
			}

			if candidate.Addr != zero4 && len(v4Peers) < int(numWant) {
				v4Peers = append(v4Peers, candidate)
			}

			if candidate.Addr6 != zero6 && len(v6Peers) < int(numWant) {
				v6Peers = append(v6Peers, candidate)
			}
		}

		/*
		 * The iteration order over a Go map is already randomized, so there is no need to shuffle candidates
		 * ourselves before truncating to numwant.
		 */
		if seeding {
			for _, leech := range torrent.Leechers {
				if full() {
					break
				}

				if !leech.IsVisible {
					continue
				}

				considerCandidate(leech)
			}
		} else {
			// Send only one peer per seeding user, so a single seedbox farm doesn't dominate the peer list.
			uniqueSeeders := make(map[uint32]struct{}, len(torrent.Seeders))

			for _, seed := range torrent.Seeders {
				if full() {
					break
				}

				if _, dup := uniqueSeeders[seed.UserID]; dup {
					continue
				}

				uniqueSeeders[seed.UserID] = struct{}{}

				considerCandidate(seed)
			}

			for _, leech := range torrent.Leechers {
				if full() {
					break
				}

				if !leech.IsVisible {
					continue
				}

				considerCandidate(leech)
			}
		}

		util.BencodeAnnouncePeersIP4(buf, v4Peers, compact, !noPeerID)
		util.BencodeAnnouncePeersIP6(buf, v6Peers)
	} else {
		util.BencodeAnnouncePeersIP4(buf, nil, true, false)
		util.BencodeAnnouncePeersIP6(buf, nil)
	}

	util.BencodeAnnounceFooter(buf)

	return fasthttp.StatusOK
}
