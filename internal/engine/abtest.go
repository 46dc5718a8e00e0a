package engine

import (
	"encoding/json"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// defaultVariantSalt separates variant hashing from rollout bucketing.
// Without a distinct salt, a user's variant would correlate with their
// rollout bucket and the control group would skew toward low buckets.
const defaultVariantSalt = "variant"

// Variant is one arm of an A/B test.
type Variant struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
}

// ABTestConfig is the parsed variant configuration of a flag.
type ABTestConfig struct {
	// Salt overrides the default hashing salt, letting operators re-shuffle
	// assignments for a fresh experiment without renaming the flag.
	Salt     string    `json:"salt,omitempty"`
	Variants []Variant `json:"variants"`
}

// ParseABTest decodes and validates a stored A/B payload.
func ParseABTest(raw json.RawMessage) (*ABTestConfig, error) {
	var cfg ABTestConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("invalid ab test payload: %w", err)
	}

	if len(cfg.Variants) == 0 {
		return nil, fmt.Errorf("ab test requires at least one variant")
	}

	seen := make(map[string]struct{}, len(cfg.Variants))
	for i, v := range cfg.Variants {
		if v.Name == "" {
			return nil, fmt.Errorf("variant %d has an empty name", i)
		}
		if v.Weight <= 0 {
			return nil, fmt.Errorf("variant %q weight must be positive, got %d", v.Name, v.Weight)
		}
		if _, dup := seen[v.Name]; dup {
			return nil, fmt.Errorf("duplicate variant name %q", v.Name)
		}
		seen[v.Name] = struct{}{}
	}

	return &cfg, nil
}

// Assign deterministically picks a variant for the user. The same hashing
// principle as rollout bucketing applies, but with an independent salt, so
// being in the rollout says nothing about which variant a user lands in.
func (c *ABTestConfig) Assign(userID, featureName string) string {
	salt := c.Salt
	if salt == "" {
		salt = defaultVariantSalt
	}

	total := 0
	for _, v := range c.Variants {
		total += v.Weight
	}

	hasher := murmur3.New32()
	_, _ = hasher.Write([]byte(salt + ":" + userID + ":" + featureName))
	bucket := int(hasher.Sum32() % uint32(total))

	// Walk the cumulative weights; the loop always terminates inside the
	// slice because bucket < total.
	for _, v := range c.Variants {
		if bucket < v.Weight {
			return v.Name
		}
		bucket -= v.Weight
	}
	return c.Variants[len(c.Variants)-1].Name
}
