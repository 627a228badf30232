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
	"testing"
)

func TestTorrentHashRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte{0xab}, TorrentHashSize)
	hash := TorrentHashFromBytes(raw)

	text, err := hash.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	var roundTripped TorrentHash
	if err = roundTripped.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}

	if roundTripped != hash {
		t.Fatalf("expected round-tripped hash %v, got %v", hash, roundTripped)
	}
}

func TestTorrentHashScanValue(t *testing.T) {
	raw := bytes.Repeat([]byte{0x01}, TorrentHashSize)

	var hash TorrentHash
	if err := hash.Scan(raw); err != nil {
		t.Fatal(err)
	}

	v, err := hash.Value()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(v.([]byte), raw) {
		t.Fatalf("expected value %v, got %v", raw, v)
	}
}

func TestTorrentHashScanWrongSize(t *testing.T) {
	var hash TorrentHash
	if err := hash.Scan([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for wrong-size scan")
	}
}
