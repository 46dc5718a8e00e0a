package engine

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileCohortRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		user    UserContext
		want    bool
		wantErr string
	}{
		{
			name:    "tier_in matches listed tier",
			payload: `{"type":"tier_in","tiers":["premium","pro"]}`,
			user:    UserContext{UserID: "u1", Tier: "pro"},
			want:    true,
		},
		{
			name:    "tier_in rejects unlisted tier",
			payload: `{"type":"tier_in","tiers":["premium","pro"]}`,
			user:    UserContext{UserID: "u1", Tier: "free"},
			want:    false,
		},
		{
			name:    "tier_in with empty list is rejected",
			payload: `{"type":"tier_in","tiers":[]}`,
			wantErr: "non-empty tier list",
		},
		{
			name:    "min_level matches at boundary",
			payload: `{"type":"min_level","min_level":5}`,
			user:    UserContext{UserID: "u1", Level: 5},
			want:    true,
		},
		{
			name:    "min_level rejects below boundary",
			payload: `{"type":"min_level","min_level":5}`,
			user:    UserContext{UserID: "u1", Level: 4},
			want:    false,
		},
		{
			name:    "negative min_level is rejected",
			payload: `{"type":"min_level","min_level":-1}`,
			wantErr: "non-negative",
		},
		{
			name: "all_of requires every branch",
			payload: `{"type":"all_of","rules":[
				{"type":"tier_in","tiers":["premium"]},
				{"type":"min_level","min_level":10}
			]}`,
			user: UserContext{UserID: "u1", Tier: "premium", Level: 9},
			want: false,
		},
		{
			name: "any_of requires one branch",
			payload: `{"type":"any_of","rules":[
				{"type":"tier_in","tiers":["premium"]},
				{"type":"min_level","min_level":10}
			]}`,
			user: UserContext{UserID: "u1", Tier: "free", Level: 12},
			want: true,
		},
		{
			name:    "composite with no nested rules is rejected",
			payload: `{"type":"all_of","rules":[]}`,
			wantErr: "at least one nested rule",
		},
		{
			name:    "unknown type is rejected",
			payload: `{"type":"astrological_sign","sign":"leo"}`,
			wantErr: `unknown cohort rule type "astrological_sign"`,
		},
		{
			name:    "malformed json is rejected",
			payload: `{"type":`,
			wantErr: "invalid cohort rule payload",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rule, err := CompileCohortRule(json.RawMessage(tt.payload))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, rule.Matches(tt.user))
		})
	}
}

func TestCompileCohortRule_DepthLimit(t *testing.T) {
	t.Parallel()

	// Build a payload nested beyond MaxCohortDepth.
	inner := `{"type":"min_level","min_level":1}`
	for i := 0; i < MaxCohortDepth+1; i++ {
		inner = `{"type":"all_of","rules":[` + inner + `]}`
	}

	_, err := CompileCohortRule(json.RawMessage(inner))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "maximum depth"), "got: %v", err)
}
