package cache

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-members/pkg/models"
)

func TestMemberKey(t *testing.T) {
	projectID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	userID := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	assert.Equal(t,
		"ekaya-members:member:11111111-1111-1111-1111-111111111111:22222222-2222-2222-2222-222222222222",
		MemberKey(projectID, userID))
}

func TestNewRedisMemberCache_NilClientNeverHits(t *testing.T) {
	c := NewRedisMemberCache(nil, 0)
	ctx := context.Background()
	projectID, userID := uuid.New(), uuid.New()

	stored, err := c.Set(ctx, projectID, userID, 0, &models.ProjectMember{ProjectID: projectID})
	require.NoError(t, err)
	assert.False(t, stored)

	member, hit, err := c.Get(ctx, projectID, userID)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Nil(t, member)
	assert.NoError(t, c.Invalidate(ctx, projectID, userID))

	version, err := c.Version(ctx, projectID, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
}

func TestVersionKey(t *testing.T) {
	projectID, userID := uuid.New(), uuid.New()
	assert.Equal(t, MemberKey(projectID, userID)+":v", VersionKey(projectID, userID))
}
