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
	"database/sql/driver"
	"encoding/hex"
	"errors"
)

// TorrentHashSize is the length in bytes of a BitTorrent v1 info_hash.
const TorrentHashSize = 20

// TorrentHash is the SHA-1 info_hash identifying a torrent.
type TorrentHash [TorrentHashSize]byte

func TorrentHashFromBytes(buf []byte) (hash TorrentHash) {
	copy(hash[:], buf)
	return hash
}

var errWrongTorrentHashSize = errors.New("wrong torrent hash size")

//goland:noinspection GoMixedReceiverTypes
func (h *TorrentHash) Scan(src any) error {
	buf, ok := src.([]byte)
	if !ok {
		return errInvalidType
	}

	if len(buf) != TorrentHashSize {
		return errWrongTorrentHashSize
	}

	copy((*h)[:], buf)

	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (h TorrentHash) Value() (driver.Value, error) {
	return h[:], nil
}

//goland:noinspection GoMixedReceiverTypes
func (h TorrentHash) MarshalText() ([]byte, error) {
	buf := make([]byte, hex.EncodedLen(TorrentHashSize))
	hex.Encode(buf, h[:])

	return buf, nil
}

//goland:noinspection GoMixedReceiverTypes
func (h *TorrentHash) UnmarshalText(b []byte) error {
	if len(b) != hex.EncodedLen(TorrentHashSize) {
		return errWrongTorrentHashSize
	}

	_, err := hex.Decode(h[:], b)

	return err
}

// PasskeyHash identifies a user by the 32-character hex passkey embedded in
// their announce URL.
type PasskeyHash string

var errInvalidType = errors.New("invalid type for scan")
