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
	"bytes"
	"database/sql/driver"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"net"
	"strconv"
)

// PeerID is sent by clients in announce requests.
// https://www.bittorrent.org/beps/bep_0020.html
type PeerID [20]byte

// PeerAddressSize is the packed size of a compact IPv4 peer (4 bytes of
// address, 2 bytes of port). IPv6 peers are packed separately at 18 bytes
// and are never mixed into the same compact blob as IPv4 peers.
const PeerAddressSize = 6

// PeerAddress packs an IPv4 address and port into the compact wire form
// clients expect in the "peers" bencode key.
type PeerAddress [PeerAddressSize]byte

func NewPeerAddressFromIPPort(ip net.IP, port uint16) (addr PeerAddress) {
	v4 := ip.To4()
	if v4 == nil {
		return addr
	}

	copy(addr[:4], v4)
	binary.BigEndian.PutUint16(addr[4:], port)

	return addr
}

//goland:noinspection GoMixedReceiverTypes
func (a PeerAddress) IP() (ip [4]byte) {
	copy(ip[:], a[:4])
	return ip
}

//goland:noinspection GoMixedReceiverTypes
func (a PeerAddress) IPNumeric() uint32 {
	return binary.BigEndian.Uint32(a[:4])
}

//goland:noinspection GoMixedReceiverTypes
func (a PeerAddress) Port() uint16 {
	return binary.BigEndian.Uint16(a[4:])
}

//goland:noinspection GoMixedReceiverTypes
func (a PeerAddress) IPString() string {
	return strconv.Itoa(int(a[0])) + "." + strconv.Itoa(int(a[1])) + "." +
		strconv.Itoa(int(a[2])) + "." + strconv.Itoa(int(a[3]))
}

//goland:noinspection GoMixedReceiverTypes
func (a PeerAddress) IPStringLen() int {
	n := 3 // three dots

	for _, b := range a[:4] {
		switch {
		case b >= 100:
			n += 3
		case b >= 10:
			n += 2
		default:
			n++
		}
	}

	return n
}

//goland:noinspection GoMixedReceiverTypes
func (a PeerAddress) AppendIPString(buf *bytes.Buffer) {
	buf.WriteString(a.IPString())
}

//goland:noinspection GoMixedReceiverTypes
func (a PeerAddress) MarshalText() ([]byte, error) {
	return []byte(a.IPString() + ":" + strconv.Itoa(int(a.Port()))), nil
}

//goland:noinspection GoMixedReceiverTypes
func (a *PeerAddress) UnmarshalText(b []byte) error {
	host, portStr, err := net.SplitHostPort(string(b))
	if err != nil {
		return err
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return errInvalidPeerAddress
	}

	*a = NewPeerAddressFromIPPort(ip, uint16(port))

	return nil
}

var errInvalidPeerAddress = errors.New("invalid peer address")

// PeerAddress6Size is the packed size of a compact IPv6 peer (16 bytes of
// address, 2 bytes of port), sent under the "peers6" bencode key.
const PeerAddress6Size = 18

// PeerAddress6 packs an IPv6 address and port into the compact wire form
// clients expect in the "peers6" bencode key.
type PeerAddress6 [PeerAddress6Size]byte

func NewPeerAddress6FromIPPort(ip net.IP, port uint16) (addr PeerAddress6) {
	v6 := ip.To16()
	if v6 == nil || ip.To4() != nil {
		return addr
	}

	copy(addr[:16], v6)
	binary.BigEndian.PutUint16(addr[16:], port)

	return addr
}

//goland:noinspection GoMixedReceiverTypes
func (a PeerAddress6) Port() uint16 {
	return binary.BigEndian.Uint16(a[16:])
}

//goland:noinspection GoMixedReceiverTypes
func (a PeerAddress6) IPString() string {
	return net.IP(a[:16]).String()
}

//goland:noinspection GoMixedReceiverTypes
func (a PeerAddress6) MarshalText() ([]byte, error) {
	return []byte("[" + a.IPString() + "]:" + strconv.Itoa(int(a.Port()))), nil
}

// PeerKey identifies a peer entry within a single torrent's swarm: one user
// may hold several keys on the same torrent only up to the configured
// per-user peer cap (cross-seeding across multiple clients).
type PeerKey [4 + 20]byte

func NewPeerKey(userID uint32, peerID PeerID) (k PeerKey) {
	binary.LittleEndian.PutUint32(k[:], userID)
	copy(k[4:], peerID[:])

	return k
}

//goland:noinspection GoMixedReceiverTypes
func (k PeerKey) UserID() uint32 {
	return binary.LittleEndian.Uint32(k[:4])
}

//goland:noinspection GoMixedReceiverTypes
func (k PeerKey) PeerID() (id PeerID) {
	copy(id[:], k[4:])
	return id
}

//goland:noinspection GoMixedReceiverTypes
func (k PeerKey) MarshalText() ([]byte, error) {
	var buf [(4 + 20) * 2]byte

	hex.Encode(buf[:], k[:])

	return buf[:], nil
}

//goland:noinspection GoMixedReceiverTypes
func (k *PeerKey) UnmarshalText(b []byte) error {
	if len(b) != (4+20)*2 {
		return errWrongPeerKeySize
	}

	_, err := hex.Decode(k[:], b)

	return err
}

var errWrongPeerKeySize = errors.New("wrong peer key size")
var errWrongPeerIDSize = errors.New("wrong peer id size")

func PeerIDFromRawString(buf string) (id PeerID) {
	copy(id[:], buf)
	return id
}

//goland:noinspection GoMixedReceiverTypes
func (id *PeerID) Scan(src any) error {
	buf, ok := src.([]byte)
	if !ok {
		return errInvalidType
	}

	if len(buf) != 20 {
		return errWrongPeerIDSize
	}

	copy((*id)[:], buf)

	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (id PeerID) Value() (driver.Value, error) {
	return id[:], nil
}

// Peer is a single client holding (or having held) a slot in a torrent's
// swarm. Mutable fields are only ever touched while the owning Torrent's
// peer lock is held; Peer itself carries no locking of its own.
type Peer struct {
	ID PeerID

	Addr     PeerAddress  // zero value if the peer announced over IPv6 only
	Addr6    PeerAddress6 // zero value if the peer announced over IPv4 only
	ClientID uint16

	Uploaded   uint64
	Downloaded uint64
	Left       uint64

	StartTime    int64 // unix time
	LastAnnounce int64

	TorrentID uint32
	UserID    uint32

	UserAgent string

	Seeding     bool
	IsVisible   bool
	Connectable bool
	CheckedAt   int64
}
