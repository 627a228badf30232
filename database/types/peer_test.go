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
	"net"
	"testing"
)

func testNewPeerAddressFromIPPort(t *testing.T) {
	a := []byte{9, 10, 11, 123, 95, 192}
	b := NewPeerAddressFromIPPort(net.IPv4(9, 10, 11, 123), 24512)

	if !bytes.Equal(a, b[:]) {
		t.Fatalf("Expected PeerAddress %v, got %v", a, b)
	}
}

func testPeerAddressIPNumeric(t *testing.T) {
	b := NewPeerAddressFromIPPort(net.IPv4(9, 10, 11, 123), 24512).IPNumeric()

	if b != 151653243 {
		t.Fatalf("Expected numeric IP 151653243, got %d", b)
	}
}

func testPeerAddressIPString(t *testing.T) {
	a := "9.10.11.123"
	b := NewPeerAddressFromIPPort(net.IPv4(9, 10, 11, 123), 24512).IPString()

	if a != b {
		t.Fatalf("Expected IP string %s, got %s", a, b)
	}
}

func testPeerAddressIPStringLen(t *testing.T) {
	testCases := []struct {
		ip  net.IP
		len int
	}{
		{net.IPv4(127, 0, 0, 1), 9},
		{net.IPv4(255, 255, 255, 255), 15},
		{net.IPv4(1, 1, 1, 1), 7},
		{net.IPv4(8, 9, 10, 12), 9},
		{net.IPv4(9, 10, 11, 123), 11},
	}

	for _, testCase := range testCases {
		addr := NewPeerAddressFromIPPort(testCase.ip, 24512)
		if gotLen := addr.IPStringLen(); gotLen != testCase.len {
			t.Fatalf("IP %v has string length %d but got %d instead", testCase.ip, testCase.len, gotLen)
		}
	}
}

func testPeerAddressPort(t *testing.T) {
	a := uint16(24512)
	b := NewPeerAddressFromIPPort(net.IPv4(9, 10, 11, 123), 24512).Port()

	if a != b {
		t.Fatalf("Expected port %d, got %d", a, b)
	}
}

func testPeerAddressMarshalText(t *testing.T) {
	a := []byte("9.10.11.123:24512")

	b, err := NewPeerAddressFromIPPort(net.IPv4(9, 10, 11, 123), 24512).MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(a, b) {
		t.Fatalf("Expected marshaled PeerAddress %v, got %v", a, b)
	}
}

func testPeerAddressUnmarshalText(t *testing.T) {
	a := []byte{9, 10, 11, 123, 95, 192}

	var b PeerAddress
	if err := b.UnmarshalText([]byte("9.10.11.123:24512")); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(a, b[:]) {
		t.Fatalf("Expected unmarshaled PeerAddress %v, got %v", a, b)
	}
}

func TestPeer(t *testing.T) {
	t.Run("PeerAddress", func(t *testing.T) {
		testNewPeerAddressFromIPPort(t)
		testPeerAddressIPNumeric(t)
		testPeerAddressIPString(t)
		testPeerAddressIPStringLen(t)
		testPeerAddressPort(t)
		testPeerAddressMarshalText(t)
		testPeerAddressUnmarshalText(t)
	})
}

func TestPeerAddress6(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	addr := NewPeerAddress6FromIPPort(ip, 6881)

	if addr.Port() != 6881 {
		t.Fatalf("expected port 6881, got %d", addr.Port())
	}

	if addr.IPString() != "2001:db8::1" {
		t.Fatalf("expected ip string 2001:db8::1, got %s", addr.IPString())
	}

	// An IPv4 address must never pack into a PeerAddress6.
	var zero PeerAddress6
	if got := NewPeerAddress6FromIPPort(net.IPv4(1, 2, 3, 4), 1); got != zero {
		t.Fatalf("expected zero-value PeerAddress6 for an IPv4 input, got %v", got)
	}
}

func TestPeerKey(t *testing.T) {
	id := PeerIDFromRawString("-XX0001-aaaaaaaaaaaa")
	k := NewPeerKey(42, id)

	if k.UserID() != 42 {
		t.Fatalf("Expected user id 42, got %d", k.UserID())
	}

	if k.PeerID() != id {
		t.Fatalf("Expected peer id %v, got %v", id, k.PeerID())
	}

	text, err := k.MarshalText()
	if err != nil {
		t.Fatal(err)
	}

	var roundTripped PeerKey
	if err = roundTripped.UnmarshalText(text); err != nil {
		t.Fatal(err)
	}

	if roundTripped != k {
		t.Fatalf("Expected round-tripped key %v, got %v", k, roundTripped)
	}
}
