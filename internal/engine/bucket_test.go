package engine

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// generateRandomID returns a cryptographically random string so tests are
// not biased by sequential patterns.
func generateRandomID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return hex.EncodeToString(bytes)
}

func TestBucket_Range(t *testing.T) {
	t.Parallel()

	for i := 0; i < 10000; i++ {
		b := Bucket(generateRandomID(), "any-feature")
		require.GreaterOrEqual(t, b, 0, "iteration %d", i)
		require.Less(t, b, 100, "iteration %d", i)
	}
}

// TestBucket_Determinism verifies stickiness: the same (user, feature) pair
// always lands in the same bucket, across repeated calls.
func TestBucket_Determinism(t *testing.T) {
	t.Parallel()

	userID := generateRandomID()
	feature := "sticky-feature"
	baseline := Bucket(userID, feature)

	for i := 0; i < 10000; i++ {
		assert.Equal(t, baseline, Bucket(userID, feature), "bucket changed on iteration %d", i)
	}
}

// TestBucket_FeatureSalt verifies that the feature name effectively changes
// the bucket: one user across many features must spread over the range.
func TestBucket_FeatureSalt(t *testing.T) {
	t.Parallel()

	userID := generateRandomID()
	seen := make(map[int]int)
	for i := 0; i < 10000; i++ {
		seen[Bucket(userID, generateRandomID())]++
	}

	// With 10k samples over 100 buckets, an unsalted hash would collapse
	// into a single bucket; a salted one covers nearly all of them.
	assert.Greater(t, len(seen), 90, "feature salt does not spread buckets")
}

// TestBucket_Uniformity asserts the statistical distribution: over a large
// synthetic population, roughly half the users land below bucket 50.
func TestBucket_Uniformity(t *testing.T) {
	t.Parallel()

	const samples = 100000
	below := 0
	for i := 0; i < samples; i++ {
		if Bucket(generateRandomID(), "uniformity-feature") < 50 {
			below++
		}
	}

	ratio := float64(below) / float64(samples)
	// 1.5% tolerance is ~9 standard deviations at this sample size; a
	// failure here means the hash is broken, not that we got unlucky.
	assert.InDelta(t, 0.5, ratio, 0.015, "bucket distribution is skewed: %f", ratio)
}

func TestInRollout_Boundaries(t *testing.T) {
	t.Parallel()

	t.Run("0% admits nobody", func(t *testing.T) {
		t.Parallel()
		for i := 0; i < 10000; i++ {
			require.False(t, InRollout(generateRandomID(), "any-feature", 0), "iteration %d", i)
		}
	})

	t.Run("100% admits everybody", func(t *testing.T) {
		t.Parallel()
		for i := 0; i < 10000; i++ {
			require.True(t, InRollout(generateRandomID(), "any-feature", 100), "iteration %d", i)
		}
	})
}

// TestInRollout_Monotonicity verifies that raising the percentage never
// evicts a user: membership at P implies membership at every P' > P.
func TestInRollout_Monotonicity(t *testing.T) {
	t.Parallel()

	for i := 0; i < 1000; i++ {
		userID := generateRandomID()
		feature := fmt.Sprintf("feature-%d", i)

		joined := false
		for pct := 0; pct <= 100; pct++ {
			in := InRollout(userID, feature, pct)
			if joined {
				require.True(t, in,
					"user %s dropped out of rollout at %d%% after being in at a lower percentage", userID, pct)
			}
			joined = joined || in
		}
		// At 100% everyone has joined.
		require.True(t, joined)
	}
}
