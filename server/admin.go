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
	"crypto/subtle"
	"encoding/json"

	"unit3d-announce/config"
	"unit3d-announce/database"
	cdb "unit3d-announce/database/types"

	"github.com/valyala/fasthttp"
)

var apikey string

func init() {
	apikey, _ = config.Section("http").Get("apikey", "")
}

// isAdminRequest reports whether the first path segment is the configured
// admin APIKEY. A blank apikey disables the admin surface entirely.
func isAdminRequest(segment string) bool {
	return apikey != "" && subtle.ConstantTimeCompare([]byte(segment), []byte(apikey)) == 1
}

// adminRespond is the JSON-in/JSON-out router mounted under
// /<apikey>/..., gated by isAdminRequest. It writes straight to
// ctx rather than through the bencode/text buf the rest of the server uses,
// since every admin response is JSON.
func adminRespond(ctx *fasthttp.RequestCtx, db *database.Database, resource string, id string) bool {
	ctx.SetContentType("application/json")

	var handled bool

	switch resource {
	case "config":
		if id == "reload" && string(ctx.Method()) == fasthttp.MethodPost {
			db.ReloadAll()
			ctx.SetStatusCode(fasthttp.StatusOK)

			handled = true
		}
	case "stats":
		if string(ctx.Method()) == fasthttp.MethodGet {
			body, _ := json.Marshal(db.Stats(handler.startTime))
			ctx.SetStatusCode(fasthttp.StatusOK)
			_, _ = ctx.Write(body)

			handled = true
		}
	case "users":
		handled = adminUsers(ctx, db)
	case "torrents":
		handled = adminTorrents(ctx, db)
	case "groups":
		handled = adminGroups(ctx, db)
	case "blacklist":
		handled = adminBlacklist(ctx, db)
	case "featured-torrents":
		handled = adminFeaturedTorrents(ctx, db)
	case "personal-freeleech":
		handled = adminPersonalFreeleech(ctx, db)
	case "freeleech-tokens":
		handled = adminFreeleechTokens(ctx, db)
	}

	if !handled {
		writeAdminError(ctx, fasthttp.StatusNotFound, "unknown admin resource or method")
	}

	return true
}

func writeAdminError(ctx *fasthttp.RequestCtx, status int, message string) bool {
	body, _ := json.Marshal(map[string]string{"error": message})
	ctx.SetStatusCode(status)
	_, _ = ctx.Write(body)

	return true
}

type adminUserRequest struct {
	Passkey             string `json:"passkey"`
	NewPasskey          string `json:"new_passkey,omitempty"`
	GroupID             uint32 `json:"group_id"`
	DisableDownload     bool   `json:"disable_download"`
	TrackerHide         bool   `json:"tracker_hide"`
	IsLifetimeFreeleech bool   `json:"is_lifetime_freeleech"`
}

func adminUsers(ctx *fasthttp.RequestCtx, db *database.Database) bool {
	var req adminUserRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		return writeAdminError(ctx, fasthttp.StatusBadRequest, "malformed request body")
	}

	if req.Passkey == "" {
		return writeAdminError(ctx, fasthttp.StatusBadRequest, "missing passkey")
	}

	switch string(ctx.Method()) {
	case fasthttp.MethodPut, fasthttp.MethodPost:
		db.UpsertUser(req.Passkey, req.NewPasskey, req.GroupID, req.DisableDownload, req.TrackerHide,
			req.IsLifetimeFreeleech)
	case fasthttp.MethodDelete:
		db.DeleteUser(req.Passkey)
	default:
		return false
	}

	ctx.SetStatusCode(fasthttp.StatusOK)

	return true
}

type adminTorrentRequest struct {
	ID             uint32 `json:"id"`
	InfoHash       string `json:"info_hash"`
	Status         uint32 `json:"status"`
	UploadFactor   uint32 `json:"upload_factor"`
	DownloadFactor uint32 `json:"download_factor"`
}

func adminTorrents(ctx *fasthttp.RequestCtx, db *database.Database) bool {
	var req adminTorrentRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		return writeAdminError(ctx, fasthttp.StatusBadRequest, "malformed request body")
	}

	var infoHash cdb.TorrentHash
	if err := infoHash.UnmarshalText([]byte(req.InfoHash)); err != nil {
		return writeAdminError(ctx, fasthttp.StatusBadRequest, "malformed info_hash")
	}

	switch string(ctx.Method()) {
	case fasthttp.MethodPut, fasthttp.MethodPost:
		uploadFactor, downloadFactor := req.UploadFactor, req.DownloadFactor
		if uploadFactor == 0 {
			uploadFactor = 100
		}

		if downloadFactor == 0 {
			downloadFactor = 100
		}

		db.UpsertTorrent(infoHash, req.ID, req.Status, uploadFactor, downloadFactor)
	case fasthttp.MethodDelete:
		db.DeleteTorrent(infoHash)
	default:
		return false
	}

	ctx.SetStatusCode(fasthttp.StatusOK)

	return true
}

func adminGroups(ctx *fasthttp.RequestCtx, db *database.Database) bool {
	switch string(ctx.Method()) {
	case fasthttp.MethodPut, fasthttp.MethodPost:
		var req database.AdminGroupRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			return writeAdminError(ctx, fasthttp.StatusBadRequest, "malformed request body")
		}

		db.UpsertGroup(req)
	case fasthttp.MethodDelete:
		var req struct {
			ID uint32 `json:"id"`
		}
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			return writeAdminError(ctx, fasthttp.StatusBadRequest, "malformed request body")
		}

		db.DeleteGroup(req.ID)
	default:
		return false
	}

	ctx.SetStatusCode(fasthttp.StatusOK)

	return true
}

func adminBlacklist(ctx *fasthttp.RequestCtx, db *database.Database) bool {
	var req struct {
		ID           uint16 `json:"id"`
		PeerIDPrefix string `json:"peer_id_prefix"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		return writeAdminError(ctx, fasthttp.StatusBadRequest, "malformed request body")
	}

	if req.PeerIDPrefix == "" {
		return writeAdminError(ctx, fasthttp.StatusBadRequest, "missing peer_id_prefix")
	}

	switch string(ctx.Method()) {
	case fasthttp.MethodPut, fasthttp.MethodPost:
		db.UpsertBlacklistedAgent(req.ID, req.PeerIDPrefix)
	case fasthttp.MethodDelete:
		db.DeleteBlacklistedAgent(req.PeerIDPrefix)
	default:
		return false
	}

	ctx.SetStatusCode(fasthttp.StatusOK)

	return true
}

func adminFeaturedTorrents(ctx *fasthttp.RequestCtx, db *database.Database) bool {
	var req struct {
		TorrentID uint32 `json:"torrent_id"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		return writeAdminError(ctx, fasthttp.StatusBadRequest, "malformed request body")
	}

	switch string(ctx.Method()) {
	case fasthttp.MethodPut, fasthttp.MethodPost:
		db.SetFeaturedTorrent(req.TorrentID, true)
	case fasthttp.MethodDelete:
		db.SetFeaturedTorrent(req.TorrentID, false)
	default:
		return false
	}

	ctx.SetStatusCode(fasthttp.StatusOK)

	return true
}

func adminPersonalFreeleech(ctx *fasthttp.RequestCtx, db *database.Database) bool {
	var req struct {
		UserID    uint32 `json:"user_id"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		return writeAdminError(ctx, fasthttp.StatusBadRequest, "malformed request body")
	}

	switch string(ctx.Method()) {
	case fasthttp.MethodPut, fasthttp.MethodPost:
		db.SetPersonalFreeleech(req.UserID, req.ExpiresAt)
	case fasthttp.MethodDelete:
		db.DeletePersonalFreeleech(req.UserID)
	default:
		return false
	}

	ctx.SetStatusCode(fasthttp.StatusOK)

	return true
}

func adminFreeleechTokens(ctx *fasthttp.RequestCtx, db *database.Database) bool {
	var req struct {
		UserID    uint32 `json:"user_id"`
		TorrentID uint32 `json:"torrent_id"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		return writeAdminError(ctx, fasthttp.StatusBadRequest, "malformed request body")
	}

	pair := cdb.UserTorrentPair{UserID: req.UserID, TorrentID: req.TorrentID}

	switch string(ctx.Method()) {
	case fasthttp.MethodPut, fasthttp.MethodPost:
		db.SetFreeleechToken(pair, true)
	case fasthttp.MethodDelete:
		db.SetFreeleechToken(pair, false)
	default:
		return false
	}

	ctx.SetStatusCode(fasthttp.StatusOK)

	return true
}
