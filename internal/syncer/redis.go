package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/p-n-ai/pai-learn/internal/platform/cache"
)

// RedisGateway keeps each learner's completions in a Redis set, so writes
// are naturally idempotent. Quiz scores go to a companion hash.
type RedisGateway struct {
	cache  *cache.Cache
	client *redis.Client
}

// NewRedisGateway creates a gateway over a connected cache. Keys expire after
// the cache TTL when one is set.
func NewRedisGateway(c *cache.Cache) (*RedisGateway, error) {
	if c == nil || c.Client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	return &RedisGateway{cache: c, client: c.Client}, nil
}

func completionSetKey(learnerID, courseID string) string {
	return cache.Key("completions", learnerID, courseID)
}

func scoreHashKey(learnerID, courseID string) string {
	return cache.Key("scores", learnerID, courseID)
}

func (g *RedisGateway) RecordCompletion(ctx context.Context, cred Credential, req WriteRequest) error {
	if err := cred.Validate(); err != nil {
		return terminal("record", req.CourseID, req.LessonID, err)
	}
	if err := req.Validate(); err != nil {
		return terminal("record", req.CourseID, req.LessonID, err)
	}

	setKey := completionSetKey(cred.LearnerID, req.CourseID)
	hashKey := scoreHashKey(cred.LearnerID, req.CourseID)
	_, err := g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, setKey, req.LessonID)
		if req.Score != nil {
			pipe.HSet(ctx, hashKey, req.LessonID, *req.Score)
		}
		g.cache.Expire(ctx, pipe, setKey, hashKey)
		return nil
	})
	if err != nil {
		return classify("record", req.CourseID, req.LessonID, fmt.Errorf("sadd completion: %w", err))
	}
	return nil
}

func (g *RedisGateway) FetchCompletion(ctx context.Context, cred Credential, courseID string) (CompletionResponse, error) {
	if err := cred.Validate(); err != nil {
		return CompletionResponse{}, terminal("fetch", courseID, "", err)
	}

	var (
		members *redis.StringSliceCmd
		scores  *redis.MapStringStringCmd
	)
	_, err := g.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, completionSetKey(cred.LearnerID, courseID))
		scores = pipe.HGetAll(ctx, scoreHashKey(cred.LearnerID, courseID))
		return nil
	})
	if err != nil {
		return CompletionResponse{}, classify("fetch", courseID, "", fmt.Errorf("read completions: %w", err))
	}

	resp := CompletionResponse{CompletedLessons: members.Val()}
	if resp.CompletedLessons == nil {
		resp.CompletedLessons = []string{}
	}
	sort.Strings(resp.CompletedLessons)
	for id, raw := range scores.Val() {
		score, err := strconv.Atoi(raw)
		if err != nil {
			slog.Warn("skipping malformed stored score",
				"learner_id", cred.LearnerID,
				"course_id", courseID,
				"lesson_id", id,
				"value", raw,
			)
			continue
		}
		if resp.Scores == nil {
			resp.Scores = make(map[string]int)
		}
		resp.Scores[id] = score
	}
	return resp, nil
}
