// TODO(scale): Current implementation supports 1% granularity (0-100
// buckets). If canary releases ever need sub-percent steps, refactor to
// basis points (0-10000 buckets).
package engine

import (
	"github.com/spaolacci/murmur3"
)

// Bucket maps (userID, featureName) onto a stable integer in [0,100).
//
// The feature name acts as a salt: a user who lands in the lucky 10% for
// flag A is not necessarily in the lucky 10% for flag B, which keeps
// rollouts statistically independent across flags.
//
// Murmur3 (32-bit) is used because it provides excellent distribution
// (avalanche effect) and is far faster than cryptographic hashes. The
// function is pure and stateless, so a user's bucket survives process
// restarts without any persisted per-user assignment.
func Bucket(userID, featureName string) int {
	hasher := murmur3.New32()
	_, _ = hasher.Write([]byte(userID + ":" + featureName)) // Write never fails
	return int(hasher.Sum32() % 100)
}

// InRollout reports whether the user falls inside the rollout percentage
// for the flag. At 0% nobody is in; at 100% everybody is, regardless of
// hash; in between, membership is bucket < percentage.
func InRollout(userID, featureName string, percentage int) bool {
	if percentage <= 0 {
		return false
	}
	if percentage >= 100 {
		return true
	}
	return Bucket(userID, featureName) < percentage
}
