package flags

import (
	"encoding/binary"
	"hash/fnv"
)

// bucket100 deterministically maps (flagName, subject) to [0, 100) using a
// 128-bit FNV-1a hash over the UTF-8 bytes of the joined key, per spec.md
// §4.4 ("hash(flagName, userID) mod 100 < p ... 128-bit over UTF-8 bytes").
// The same inputs always produce the same bucket.
func bucket100(flagName, subject string) int {
	h := fnv.New128a()
	_, _ = h.Write([]byte(flagName))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(subject))
	sum := h.Sum(nil) // 16 bytes
	low := binary.BigEndian.Uint64(sum[8:])
	return int(low % 100)
}

// bucketVariant picks a variant index deterministically, weighted, from a
// distinct hash namespace so it never collides with the enablement bucket.
func bucketVariant(flagName, subject string, totalWeight int) int {
	if totalWeight <= 0 {
		return 0
	}
	h := fnv.New128a()
	_, _ = h.Write([]byte(flagName))
	_, _ = h.Write([]byte{':', 'v'})
	_, _ = h.Write([]byte(subject))
	sum := h.Sum(nil)
	low := binary.BigEndian.Uint64(sum[8:])
	return int(low % uint64(totalWeight))
}
