package jobs

import (
	"context"
	"testing"

	subscriptiondomain "github.com/tiffinly/tiffinly/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *jobsFixture) makeTrial(t *testing.T, group *subscriptiondomain.SubscriptionGroup, status subscriptiondomain.TrialStatus, daysAgo int) *subscriptiondomain.Trial {
	t.Helper()
	trial := &subscriptiondomain.Trial{
		ID:        f.node.Generate(),
		GroupID:   group.ID,
		VendorID:  group.VendorID,
		Status:    status,
		StartDate: monday.AddDate(0, 0, -daysAgo-7),
		EndDate:   monday.AddDate(0, 0, -daysAgo),
		CreatedAt: f.clock.Now(),
	}
	require.NoError(t, f.db.Create(trial).Error)
	return trial
}

func TestTrialCompletionClosesEndedTrials(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	group := f.makeGroup(t, groupOpts{mandate: true})
	trial := f.makeTrial(t, group, subscriptiondomain.TrialStatusActive, 1)

	result, err := f.jobs.RunTrialCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result["processed"])
	assert.Equal(t, map[string]int{group.VendorID.String(): 1}, result["completedByVendor"])

	var reloaded subscriptiondomain.Trial
	require.NoError(t, f.db.First(&reloaded, "id = ?", trial.ID).Error)
	assert.Equal(t, subscriptiondomain.TrialStatusCompleted, reloaded.Status)

	// The group itself is untouched; renewal picks it up on its own date.
	var reloadedGroup subscriptiondomain.SubscriptionGroup
	require.NoError(t, f.db.First(&reloadedGroup, "id = ?", group.ID).Error)
	assert.Equal(t, subscriptiondomain.GroupStatusActive, reloadedGroup.Status)
}

func TestTrialCompletionIgnoresRunningAndFinishedTrials(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()

	group := f.makeGroup(t, groupOpts{mandate: true})
	running := f.makeTrial(t, group, subscriptiondomain.TrialStatusActive, -3)
	done := f.makeTrial(t, group, subscriptiondomain.TrialStatusCompleted, 5)

	result, err := f.jobs.RunTrialCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result["processed"])

	var reloadedRunning subscriptiondomain.Trial
	require.NoError(t, f.db.First(&reloadedRunning, "id = ?", running.ID).Error)
	assert.Equal(t, subscriptiondomain.TrialStatusActive, reloadedRunning.Status)
	var reloadedDone subscriptiondomain.Trial
	require.NoError(t, f.db.First(&reloadedDone, "id = ?", done.ID).Error)
	assert.Equal(t, subscriptiondomain.TrialStatusCompleted, reloadedDone.Status)
}
