package store

import (
	"strconv"

	"github.com/twmb/murmur3"
)

const DefaultKeyGroups = 128

// KeyGroup assigns key to one of n groups.
func KeyGroup(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(murmur3.Sum32([]byte(key)) % uint32(n))
}

func keyGroupBucket(group int) string {
	return "kg-" + strconv.Itoa(group)
}
