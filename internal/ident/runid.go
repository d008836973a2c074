package ident

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	runMu   sync.Mutex
	runMono io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	runMono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// NewRunID returns a ULID for a rebalance run started at t. IDs minted in
// the same millisecond stay lexicographically increasing, so journal keys
// sort in run order.
func NewRunID(t time.Time) string {
	runMu.Lock()
	defer runMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t.UTC()), runMono)
	if err != nil {
		// Only reachable if the clock runs backwards past the monotonic window.
		panic(err)
	}
	return id.String()
}

// NewTransferID returns a random identifier for one transfer instruction.
func NewTransferID() string {
	return uuid.New().String()
}
