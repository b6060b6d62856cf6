package deosun

import (
	"fmt"
	"slices"
	"sort"
)

// Tier is an activity rank, mapped 1:1 to a discord role
type Tier struct {
	RoleID         string `yaml:"role_id" mapstructure:"role_id" json:"role_id" binding:"required"`
	Name           string `yaml:"name" mapstructure:"name" json:"name" binding:"required"`
	ChatThreshold  int    `yaml:"chat_threshold" mapstructure:"chat_threshold" json:"chat_threshold" binding:"min=0"`
	VoiceThreshold int    `yaml:"voice_threshold" mapstructure:"voice_threshold" json:"voice_threshold" binding:"min=0"`
}

// eligible reports whether either counter meets this tier's threshold
func (t Tier) eligible(chatCount, voiceJoinCount int) bool {
	return chatCount >= t.ChatThreshold || voiceJoinCount >= t.VoiceThreshold
}

// TierTable is the rank ladder, sorted ascending by chat threshold.
type TierTable struct {
	tiers  []Tier
	byRole map[string]int
}

// NewTierTable sorts the given tiers by chat threshold and checks that:
//   - role IDs are unique
//   - voice thresholds don't decrease as chat thresholds increase
//   - exactly one tier has a zero chat threshold, which every user
//     is eligible for
func NewTierTable(tiers []Tier) (*TierTable, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers configured", ErrInvalidTierTable)
	}
	sorted := slices.Clone(tiers)
	sort.SliceStable(
		sorted, func(i, j int) bool {
			return sorted[i].ChatThreshold < sorted[j].ChatThreshold
		},
	)

	t := &TierTable{tiers: sorted, byRole: make(map[string]int, len(sorted))}
	sentinels := 0
	for i, tier := range sorted {
		if tier.RoleID == "" {
			return nil, fmt.Errorf("%w: tier %q has no role id", ErrInvalidTierTable, tier.Name)
		}
		if tier.ChatThreshold < 0 || tier.VoiceThreshold < 0 {
			return nil, fmt.Errorf("%w: tier %q has a negative threshold", ErrInvalidTierTable, tier.Name)
		}
		if _, dup := t.byRole[tier.RoleID]; dup {
			return nil, fmt.Errorf("%w: duplicate role id %s", ErrInvalidTierTable, tier.RoleID)
		}
		t.byRole[tier.RoleID] = i
		if tier.ChatThreshold == 0 {
			sentinels++
		}
		if i > 0 && tier.VoiceThreshold < sorted[i-1].VoiceThreshold {
			return nil, fmt.Errorf(
				"%w: voice threshold of %q is lower than %q",
				ErrInvalidTierTable, tier.Name, sorted[i-1].Name,
			)
		}
	}
	if sentinels != 1 {
		return nil, fmt.Errorf(
			"%w: expected exactly one tier with a zero chat threshold, found %d",
			ErrInvalidTierTable, sentinels,
		)
	}
	return t, nil
}

// Tiers returns a copy of the sorted ladder
func (t *TierTable) Tiers() []Tier {
	return slices.Clone(t.tiers)
}

// Eligible returns the highest tier the counters qualify for, by chat
// count OR voice join count. The zero-threshold tier guarantees a result.
func (t *TierTable) Eligible(chatCount, voiceJoinCount int) Tier {
	eligible := t.tiers[0]
	for _, tier := range t.tiers {
		if tier.eligible(chatCount, voiceJoinCount) {
			eligible = tier
		}
	}
	return eligible
}

// Current returns the highest tier whose role is in roleIDs
func (t *TierTable) Current(roleIDs []string) (Tier, bool) {
	idx := -1
	for _, r := range roleIDs {
		if i, ok := t.byRole[r]; ok && i > idx {
			idx = i
		}
	}
	if idx < 0 {
		return Tier{}, false
	}
	return t.tiers[idx], true
}

// IsTierRole reports whether roleID belongs to any tier
func (t *TierTable) IsTierRole(roleID string) bool {
	_, ok := t.byRole[roleID]
	return ok
}
