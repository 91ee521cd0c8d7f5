// Package cache holds read-through caches in front of the repositories.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ekaya-inc/ekaya-members/pkg/models"
)

const keyPrefix = "ekaya-members:member:"

// minVersionTTL is the shortest lifetime of a pair's version counter.
const minVersionTTL = time.Hour

// MemberCache caches the result of membership lookups, including the
// absence of a membership.
//
// Every (project, user) pair carries a version that Invalidate bumps. A
// reader takes the version before loading from the database and hands it
// to Set, which stores nothing when an invalidation happened in between.
type MemberCache interface {
	// Get returns the cached lookup and whether there was one. A hit with a
	// nil member means the user is known not to be a member.
	Get(ctx context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, bool, error)
	// Version returns the current version of the pair.
	Version(ctx context.Context, projectID, userID uuid.UUID) (int64, error)
	// Set stores a lookup result read at version; member may be nil. It
	// reports whether the result was stored.
	Set(ctx context.Context, projectID, userID uuid.UUID, version int64, member *models.ProjectMember) (bool, error)
	// Invalidate drops the cached lookup of one (project, user) pair and
	// bumps its version.
	Invalidate(ctx context.Context, projectID, userID uuid.UUID) error
}

// MemberKey returns the cache key of a (project, user) pair.
func MemberKey(projectID, userID uuid.UUID) string {
	return keyPrefix + projectID.String() + ":" + userID.String()
}

// VersionKey returns the key of the version counter of a (project, user)
// pair.
func VersionKey(projectID, userID uuid.UUID) string {
	return MemberKey(projectID, userID) + ":v"
}

// setIfVersion writes KEYS[1] only while the counter KEYS[2] still holds
// ARGV[1]. A missing counter reads as 0.
var setIfVersion = redis.NewScript(`
local v = redis.call('GET', KEYS[2])
if not v then v = '0' end
if v ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

type redisMemberCache struct {
	client     *redis.Client
	ttl        time.Duration
	versionTTL time.Duration
}

// NewRedisMemberCache returns a MemberCache on client. A nil client yields
// a cache that never hits.
func NewRedisMemberCache(client *redis.Client, ttl time.Duration) MemberCache {
	if client == nil {
		return NewNoopMemberCache()
	}
	versionTTL := ttl
	if versionTTL < minVersionTTL {
		versionTTL = minVersionTTL
	}
	return &redisMemberCache{client: client, ttl: ttl, versionTTL: versionTTL}
}

func (c *redisMemberCache) Get(ctx context.Context, projectID, userID uuid.UUID) (*models.ProjectMember, bool, error) {
	data, err := c.client.Get(ctx, MemberKey(projectID, userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read member cache: %w", err)
	}

	var member *models.ProjectMember
	if err := json.Unmarshal(data, &member); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached member: %w", err)
	}
	return member, true, nil
}

func (c *redisMemberCache) Version(ctx context.Context, projectID, userID uuid.UUID) (int64, error) {
	v, err := c.client.Get(ctx, VersionKey(projectID, userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read member cache version: %w", err)
	}
	return v, nil
}

func (c *redisMemberCache) Set(ctx context.Context, projectID, userID uuid.UUID, version int64, member *models.ProjectMember) (bool, error) {
	data, err := json.Marshal(member)
	if err != nil {
		return false, fmt.Errorf("failed to encode member: %w", err)
	}

	stored, err := setIfVersion.Run(ctx, c.client,
		[]string{MemberKey(projectID, userID), VersionKey(projectID, userID)},
		strconv.FormatInt(version, 10), data, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to write member cache: %w", err)
	}
	return stored == 1, nil
}

func (c *redisMemberCache) Invalidate(ctx context.Context, projectID, userID uuid.UUID) error {
	versionKey := VersionKey(projectID, userID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, versionKey)
		pipe.Expire(ctx, versionKey, c.versionTTL)
		pipe.Del(ctx, MemberKey(projectID, userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate member cache: %w", err)
	}
	return nil
}

type noopMemberCache struct{}

// NewNoopMemberCache returns a MemberCache that stores nothing.
func NewNoopMemberCache() MemberCache {
	return noopMemberCache{}
}

func (noopMemberCache) Get(context.Context, uuid.UUID, uuid.UUID) (*models.ProjectMember, bool, error) {
	return nil, false, nil
}

func (noopMemberCache) Version(context.Context, uuid.UUID, uuid.UUID) (int64, error) {
	return 0, nil
}

func (noopMemberCache) Set(context.Context, uuid.UUID, uuid.UUID, int64, *models.ProjectMember) (bool, error) {
	return false, nil
}

func (noopMemberCache) Invalidate(context.Context, uuid.UUID, uuid.UUID) error {
	return nil
}

var (
	_ MemberCache = (*redisMemberCache)(nil)
	_ MemberCache = noopMemberCache{}
)
