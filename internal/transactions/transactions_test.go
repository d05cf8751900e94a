package transactions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecommendOnce(t *testing.T) {
	tx := scored(1, 10, base, "10", RecommendationUnset)

	require.NoError(t, tx.Recommend(RecommendationDeny, []string{"previous_chargeback"}, "v2"))
	assert.Equal(t, RecommendationDeny, tx.Recommendation)
	assert.Equal(t, []string{"previous_chargeback"}, tx.Violations)

	err := tx.Recommend(RecommendationApprove, nil, "v1")
	assert.ErrorIs(t, err, ErrAlreadyScored)
	assert.Equal(t, RecommendationDeny, tx.Recommendation)
	assert.Equal(t, "v2", tx.RuleSet)
}

func TestMarkChargeback(t *testing.T) {
	denied := scored(1, 10, base, "10", RecommendationDeny)
	_, err := denied.MarkChargeback()
	assert.ErrorIs(t, err, ErrNotApproved)
	assert.False(t, denied.Chargeback)

	approved := scored(2, 10, base, "10", RecommendationApprove)
	changed, err := approved.MarkChargeback()
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = approved.MarkChargeback()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, approved.Chargeback)
}

func TestSameDevice(t *testing.T) {
	a := scored(1, 10, base, "1", RecommendationApprove)
	b := scored(2, 10, base, "1", RecommendationApprove)
	assert.True(t, a.SameDevice(b))

	b.DeviceID = device(2)
	assert.False(t, a.SameDevice(b))

	a.DeviceID, b.DeviceID = nil, nil
	assert.True(t, a.SameDevice(b))
	assert.False(t, a.HasDevice())

	b.DeviceID = device(2)
	assert.False(t, a.SameDevice(b))
}

func TestRecommendationValid(t *testing.T) {
	assert.True(t, RecommendationUnset.Valid())
	assert.True(t, RecommendationApprove.Valid())
	assert.True(t, RecommendationDeny.Valid())
	assert.False(t, Recommendation("maybe").Valid())
}
