package featureflag

import "github.com/spaolacci/murmur3"

// inRollout reports whether userID falls inside the given percentage (0..100) of a
// consistent per-user hash bucket, the same murmur3.Sum64 mixing the teacher's blockchain
// key-value store uses for its own hash diffusion.
func inRollout(userID string, percentage int) bool {
	if percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}
	bucket := murmur3.Sum64([]byte(userID)) % 100
	return bucket < uint64(percentage)
}
