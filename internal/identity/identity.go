// internal/identity/identity.go
package identity

import (
	"crypto/rand"
	"strings"
)

// RoomCodeAlphabet is the 32-symbol set room codes are drawn from.
// Visually ambiguous characters (0/O, 1/I) are excluded so a code can be
// read aloud or typed from a whiteboard without transcription errors.
const RoomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RoomCodeLength is the fixed length of a room code.
const RoomCodeLength = 6

// playerIDAlphabet is lowercase base36, matching the short opaque tokens
// the rest of the protocol treats player ids as.
const playerIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// playerIDLength gives 36^10 (~3.6e15) possible ids; collision within a
// single room of 2-8 players is negligible without any coordination.
const playerIDLength = 10

// NewPlayerID returns a short random opaque player token.
func NewPlayerID() string {
	return randomString(playerIDAlphabet, playerIDLength)
}

// NewRoomCode returns a fresh 6-character room code. Uniqueness across rooms
// is not guaranteed here; the channel namespace is the backend's concern.
func NewRoomCode() string {
	return randomString(RoomCodeAlphabet, RoomCodeLength)
}

// NormalizeRoomCode uppercases and trims a user-supplied code.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidRoomCode reports whether code is exactly RoomCodeLength characters
// from RoomCodeAlphabet. Callers should normalize first.
func ValidRoomCode(code string) bool {
	if len(code) != RoomCodeLength {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(RoomCodeAlphabet, r) {
			return false
		}
	}
	return true
}

func randomString(alphabet string, n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails if the OS entropy source is broken.
		panic("identity: crypto/rand unavailable: " + err.Error())
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out)
}
