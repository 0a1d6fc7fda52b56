// Package idgen generates short, sortable identifiers for sessions and
// accepted messages.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// nodeID distinguishes IDs minted by different processes in the same second.
	nodeID [2]byte

	sequence atomic.Uint32

	base32Encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(nodeID[:]); err == nil {
		return
	}
	// Fall back to hostname bytes XOR pid.
	host, _ := os.Hostname()
	h := uint16(os.Getpid())
	for i := 0; i < len(host); i++ {
		h = h*31 + uint16(host[i])
	}
	binary.BigEndian.PutUint16(nodeID[:], h)
}

// New returns a 16 character session ID:
// 4 bytes unix seconds, 2 bytes node, 2 bytes sequence, 2 bytes random,
// base32 encoded in lower case.
func New() string {
	var id [10]byte
	binary.BigEndian.PutUint32(id[0:4], uint32(time.Now().Unix()))
	copy(id[4:6], nodeID[:])
	binary.BigEndian.PutUint16(id[6:8], uint16(sequence.Add(1)))
	if _, err := rand.Read(id[8:10]); err != nil {
		binary.BigEndian.PutUint16(id[8:10], uint16(time.Now().UnixNano()))
	}
	return base32Encoding.EncodeToString(id[:])
}

// QueueID returns an upper-case hex message identifier in the style of
// MTA queue IDs: microseconds since the epoch followed by the sequence.
func QueueID() string {
	now := time.Now().UnixMicro()
	seq := sequence.Add(1) & 0xFFFF
	return strings.ToUpper(fmt.Sprintf("%011x%04x", now&0xFFFFFFFFFFF, seq))
}
