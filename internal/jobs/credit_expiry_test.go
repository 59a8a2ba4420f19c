package jobs

import (
	"context"
	"testing"
	"time"

	creditdomain "github.com/tiffinly/tiffinly/internal/credit/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditExpiryFlipsOverdueCredits(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	group := f.makeGroup(t, groupOpts{mandate: true})
	sub := f.makeSubscription(t, group, []int{1}, 10000)
	old := f.grantCredit(t, group, sub.ID, 2, 10000)

	f.clock.Advance(91 * 24 * time.Hour)
	fresh := f.grantCredit(t, group, sub.ID, 1, 10000)

	result, err := f.jobs.RunCreditExpiry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result["processed"])
	assert.Equal(t, false, result["hasMore"])
	assert.Equal(t, map[string]int{"lunch": 1}, result["expiryBySlot"])
	assert.Equal(t, map[string]int{"customer_skip": 1}, result["expiryByReason"])

	var reloadedOld creditdomain.Credit
	require.NoError(t, f.db.First(&reloadedOld, "id = ?", old.ID).Error)
	assert.Equal(t, creditdomain.StatusExpired, reloadedOld.Status)
	var reloadedFresh creditdomain.Credit
	require.NoError(t, f.db.First(&reloadedFresh, "id = ?", fresh.ID).Error)
	assert.Equal(t, creditdomain.StatusAvailable, reloadedFresh.Status)
}

func TestCreditExpirySecondRunFindsNothing(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	group := f.makeGroup(t, groupOpts{mandate: true})
	sub := f.makeSubscription(t, group, []int{1}, 10000)
	f.grantCredit(t, group, sub.ID, 1, 10000)
	f.clock.Advance(91 * 24 * time.Hour)

	_, err := f.jobs.RunCreditExpiry(ctx)
	require.NoError(t, err)

	result, err := f.jobs.RunCreditExpiry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result["processed"])
}
