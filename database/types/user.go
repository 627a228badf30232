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

import "sync/atomic"

// User is a tracker account, keyed externally by its passkey.
type User struct {
	ID atomic.Uint32

	GroupID atomic.Uint32

	DisableDownload atomic.Bool
	TrackerHide     atomic.Bool // replace the reported peer IP with localhost

	IsLifetimeFreeleech atomic.Bool

	NumSeeding  atomic.Uint32
	NumLeeching atomic.Uint32
}

func NewUser() *User {
	return &User{}
}
