package fsutil

// RequiredWithHeadroom returns the free space a write of n bytes needs:
// the bytes themselves plus the larger of 10% of n and minHeadroom.
func RequiredWithHeadroom(n, minHeadroom uint64) uint64 {
	headroom := n / 10
	if headroom < minHeadroom {
		headroom = minHeadroom
	}
	return n + headroom
}
