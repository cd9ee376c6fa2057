package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to DomainStatus
		want     bool
	}{
		{DomainStatusAttributed, DomainStatusDisputePending, true},
		{DomainStatusAttributed, DomainStatusClientPromoted, true},
		{DomainStatusManual, DomainStatusDisputePending, true},
		{DomainStatusClientPromoted, DomainStatusDisputePending, true},
		{DomainStatusDisputePending, DomainStatusDisputed, true},
		{DomainStatusDisputePending, DomainStatusAttributed, true},
		{DomainStatusDisputed, DomainStatusAttributed, false},
		{DomainStatusDisputed, DomainStatusDisputePending, false},
		{DomainStatusAttributed, DomainStatusAttributed, false},
		{DomainStatusManual, DomainStatusClientPromoted, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestMatchKindStrength(t *testing.T) {
	assert.True(t, MatchKindHard.Stronger(MatchKindSoft))
	assert.True(t, MatchKindSoft.Stronger(MatchKindNone))
	assert.False(t, MatchKindSoft.Stronger(MatchKindHard))
	assert.True(t, MatchKindSoft.Stronger(""))
}

func TestAttributable(t *testing.T) {
	assert.True(t, MatchResult{Kind: MatchKindSoft, WithinWindow: true, AttributionKey: "acme.com"}.Attributable())
	assert.False(t, MatchResult{Kind: MatchKindSoft, WithinWindow: false, AttributionKey: "acme.com"}.Attributable())
	assert.False(t, MatchResult{Kind: MatchKindNone, WithinWindow: true, AttributionKey: "acme.com"}.Attributable())
	assert.False(t, EventKind("REFUND").Valid())
}
