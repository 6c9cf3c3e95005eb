package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

var tracer = otel.Tracer("jobs.redis")

// RedisStore keeps each job as a JSON value under <prefix>job:<id>.
// Non-terminal job ids are also members of <prefix>jobs:active so a restarted
// process can resume them. Terminal jobs expire natively after retention.
type RedisStore struct {
	rdb       redis.UniversalClient
	prefix    string
	retention time.Duration
}

func NewRedisStore(rdb redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{rdb: rdb, prefix: prefix, retention: retention}
}

func (s *RedisStore) key(id string) string       { return s.prefix + "job:" + id }
func (s *RedisStore) cancelKey(id string) string { return s.prefix + "job:" + id + ":cancel" }
func (s *RedisStore) activeKey() string          { return s.prefix + "jobs:active" }

func (s *RedisStore) Create(ctx context.Context, job *models.IngestionJob) error {
	ctx, span := tracer.Start(ctx, "jobs.Create", trace.WithAttributes(attribute.String("job.id", job.ID)))
	defer span.End()

	stamp(job, time.Now().UTC(), s.retention)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	ok, err := s.rdb.SetNX(ctx, s.key(job.ID), data, 0).Result()
	if err != nil {
		span.RecordError(err)
		return core.Transient(fmt.Errorf("create job %s: %w", job.ID, err))
	}
	if !ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if err := s.rdb.SAdd(ctx, s.activeKey(), job.ID).Err(); err != nil {
		span.RecordError(err)
		return core.Transient(fmt.Errorf("track job %s: %w", job.ID, err))
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.IngestionJob, error) {
	ctx, span := tracer.Start(ctx, "jobs.Get", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	pipe := s.rdb.Pipeline()
	getCmd := pipe.Get(ctx, s.key(id))
	cancelCmd := pipe.Exists(ctx, s.cancelKey(id))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		span.RecordError(err)
		return nil, core.Transient(fmt.Errorf("get job %s: %w", id, err))
	}

	data, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, core.Transient(fmt.Errorf("get job %s: %w", id, err))
	}

	var job models.IngestionJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	if n, _ := cancelCmd.Result(); n > 0 {
		job.CancelRequested = true
	}
	return &job, nil
}

func (s *RedisStore) Update(ctx context.Context, job *models.IngestionJob) error {
	ctx, span := tracer.Start(ctx, "jobs.Update", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.state", string(job.State)),
	))
	defer span.End()

	n, err := s.rdb.Exists(ctx, s.key(job.ID)).Result()
	if err != nil {
		span.RecordError(err)
		return core.Transient(fmt.Errorf("update job %s: %w", job.ID, err))
	}
	if n == 0 {
		return core.ErrJobNotFound
	}

	stamp(job, time.Now().UTC(), s.retention)
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if job.State.Terminal() {
			ttl := time.Until(*job.ExpiresAt)
			if ttl <= 0 {
				ttl = time.Millisecond
			}
			pipe.Set(ctx, s.key(job.ID), data, ttl)
			pipe.Expire(ctx, s.cancelKey(job.ID), ttl)
			pipe.SRem(ctx, s.activeKey(), job.ID)
		} else {
			pipe.Set(ctx, s.key(job.ID), data, 0)
			pipe.SAdd(ctx, s.activeKey(), job.ID)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return core.Transient(fmt.Errorf("update job %s: %w", job.ID, err))
	}
	return nil
}

func (s *RedisStore) RequestCancel(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "jobs.RequestCancel", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	ttl, err := s.rdb.PTTL(ctx, s.key(id)).Result()
	if err != nil {
		span.RecordError(err)
		return core.Transient(fmt.Errorf("cancel job %s: %w", id, err))
	}
	// -2: no such key, -1: no expiry
	if ttl == -2 {
		return core.ErrJobNotFound
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rdb.Set(ctx, s.cancelKey(id), "1", ttl).Err(); err != nil {
		span.RecordError(err)
		return core.Transient(fmt.Errorf("cancel job %s: %w", id, err))
	}
	return nil
}

func (s *RedisStore) ListActive(ctx context.Context) ([]*models.IngestionJob, error) {
	ids, err := s.rdb.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, core.Transient(fmt.Errorf("list active jobs: %w", err))
	}
	out := make([]*models.IngestionJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, core.ErrJobNotFound) {
			s.rdb.SRem(ctx, s.activeKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			s.rdb.SRem(ctx, s.activeKey(), id)
			continue
		}
		out = append(out, job)
	}
	return out, nil
}
