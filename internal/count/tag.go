package count

import (
	"encoding/binary"
	"hash/fnv"
	"os"
	"sync/atomic"
	"time"
)

// Thread tags are best-effort numeric labels for a thread's identity,
// used only to disambiguate output records. They are hash-derived and
// not guaranteed collision-free; downstream consumers must treat them
// as labels, not strict identifiers.

var (
	threadSeq uint64

	processEpoch = uint64(time.Now().UnixNano())
	processPID   = uint64(os.Getpid())
)

// NextThreadTag allocates a tag for a newly created thread handle. The
// per-process sequence number is mixed with the process identity so tags
// from different runs appending to the same file rarely collide.
func NextThreadTag() uint64 {
	seq := atomic.AddUint64(&threadSeq, 1)

	h := fnv.New64a()

	var buf [24]byte

	binary.LittleEndian.PutUint64(buf[0:8], seq)
	binary.LittleEndian.PutUint64(buf[8:16], processEpoch)
	binary.LittleEndian.PutUint64(buf[16:24], processPID)

	_, _ = h.Write(buf[:])

	return h.Sum64()
}
