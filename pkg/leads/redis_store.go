package leads

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"voicecall-engine/pkg/config"
	"voicecall-engine/pkg/errors"
)

const redisOpTimeout = 5 * time.Second

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore keeps leads and agent side effects in Redis.
//
// Layout under the configured prefix:
//
//	lead:<id>          JSON lead, refreshed TTL on every write
//	campaign:<id>      JSON campaign
//	callbacks          sorted set of JSON callbacks scored by due time (unix ms)
//	memories:<lead>    list of JSON memories, newest first
//	patterns:<camp>    list of JSON patterns
//	transfers          list of JSON transfer requests, also published on the
//	                   transfers channel
type RedisStore struct {
	client    redis.UniversalClient
	logger    *logrus.Logger
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(cfg config.RedisConfig, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to Redis", map[string]interface{}{
			"address": cfg.Address,
		}).WithCode("REDIS_UNAVAILABLE")
	}

	store := NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.TTL, logger)
	logger.WithFields(logrus.Fields{
		"address":  cfg.Address,
		"database": cfg.DB,
		"ttl":      cfg.TTL,
	}).Info("Redis lead store initialized")
	return store, nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration, logger *logrus.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "voicecall:"
	}
	return &RedisStore{
		client:    client,
		logger:    logger,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		now:       time.Now,
	}
}

func (r *RedisStore) key(parts ...string) string {
	k := r.keyPrefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, redisOpTimeout)
}

func (r *RedisStore) GetLead(ctx context.Context, id string) (*Lead, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()
	return r.getLead(ctx, r.client, id)
}

func (r *RedisStore) getLead(ctx context.Context, cmd stringGetter, id string) (*Lead, error) {
	data, err := cmd.Get(ctx, r.key("lead", id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errors.NewNotFound("lead not found", map[string]interface{}{"lead_id": id})
		}
		return nil, errors.Wrap(err, "failed to get lead from Redis", map[string]interface{}{"lead_id": id})
	}
	var lead Lead
	if err := json.Unmarshal(data, &lead); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal lead", map[string]interface{}{"lead_id": id})
	}
	return &lead, nil
}

func (r *RedisStore) PutLead(ctx context.Context, lead *Lead) error {
	if lead == nil || lead.ID == "" {
		return errors.NewInvalidInput("lead id is required")
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	if lead.UpdatedAt.IsZero() {
		lead.UpdatedAt = r.now()
	}
	data, err := json.Marshal(lead)
	if err != nil {
		return errors.Wrap(err, "failed to marshal lead")
	}
	if err := r.client.Set(ctx, r.key("lead", lead.ID), data, r.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to store lead in Redis", map[string]interface{}{"lead_id": lead.ID})
	}
	return nil
}

// UpdateLead merges fields into the stored lead inside an optimistic
// transaction. A missing lead is created.
func (r *RedisStore) UpdateLead(ctx context.Context, id string, fields map[string]interface{}) error {
	if id == "" {
		return errors.NewInvalidInput("lead id is required")
	}
	ctx, cancel := opContext(ctx)
	defer cancel()

	key := r.key("lead", id)
	txf := func(tx *redis.Tx) error {
		lead, err := r.getLead(ctx, tx, id)
		if err != nil {
			if !errors.IsErrorType(err, errors.ErrNotFound) {
				return err
			}
			lead = &Lead{ID: id}
		}
		applyFields(lead, fields, r.now())
		data, err := json.Marshal(lead)
		if err != nil {
			return errors.Wrap(err, "failed to marshal lead")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "failed to update lead", map[string]interface{}{"lead_id": id})
		}
		r.logger.WithFields(logrus.Fields{
			"lead_id": id,
			"fields":  len(fields),
		}).Debug("Lead updated")
		return nil
	}
	return errors.New("lead update contended", map[string]interface{}{"lead_id": id})
}

func (r *RedisStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()
	data, err := r.client.Get(ctx, r.key("campaign", id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, errors.NewNotFound("campaign not found", map[string]interface{}{"campaign_id": id})
		}
		return nil, errors.Wrap(err, "failed to get campaign from Redis", map[string]interface{}{"campaign_id": id})
	}
	var c Campaign
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal campaign")
	}
	return &c, nil
}

func (r *RedisStore) PutCampaign(ctx context.Context, c *Campaign) error {
	if c == nil || c.ID == "" {
		return errors.NewInvalidInput("campaign id is required")
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal campaign")
	}
	if err := r.client.Set(ctx, r.key("campaign", c.ID), data, 0).Err(); err != nil {
		return errors.Wrap(err, "failed to store campaign in Redis", map[string]interface{}{"campaign_id": c.ID})
	}
	return nil
}

func (r *RedisStore) ScheduleCallback(ctx context.Context, cb Callback) error {
	if err := normalizeCallback(&cb, r.now()); err != nil {
		return err
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	data, err := json.Marshal(cb)
	if err != nil {
		return errors.Wrap(err, "failed to marshal callback")
	}
	z := redis.Z{Score: float64(cb.ScheduledAt.UnixMilli()), Member: data}
	if err := r.client.ZAdd(ctx, r.key("callbacks"), z).Err(); err != nil {
		return errors.Wrap(err, "failed to schedule callback", map[string]interface{}{
			"lead_id":  cb.LeadID,
			"call_sid": cb.CallSID,
		})
	}
	r.logger.WithFields(logrus.Fields{
		"callback_id":  cb.ID,
		"lead_id":      cb.LeadID,
		"scheduled_at": cb.ScheduledAt,
	}).Info("Callback scheduled")
	return nil
}

// DueCallbacks returns callbacks due at or before the given time, earliest first
func (r *RedisStore) DueCallbacks(ctx context.Context, before time.Time) ([]Callback, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()
	members, err := r.client.ZRangeByScore(ctx, r.key("callbacks"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(before.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due callbacks")
	}
	out := make([]Callback, 0, len(members))
	for _, m := range members {
		var cb Callback
		if err := json.Unmarshal([]byte(m), &cb); err != nil {
			r.logger.WithError(err).Warn("Skipping malformed callback entry")
			continue
		}
		out = append(out, cb)
	}
	return out, nil
}

func (r *RedisStore) RecordMemory(ctx context.Context, m Memory) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now()
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "failed to marshal memory")
	}
	key := r.key("memories", m.LeadID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, MaxMemoriesPerLead-1)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to record memory", map[string]interface{}{"lead_id": m.LeadID})
	}
	return nil
}

// Memories returns the newest memories for a lead
func (r *RedisStore) Memories(ctx context.Context, leadID string, limit int) ([]Memory, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	items, err := r.client.LRange(ctx, r.key("memories", leadID), 0, stop).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read memories", map[string]interface{}{"lead_id": leadID})
	}
	out := make([]Memory, 0, len(items))
	for _, item := range items {
		var m Memory
		if err := json.Unmarshal([]byte(item), &m); err == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *RedisStore) RecordPattern(ctx context.Context, p Pattern) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.now()
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "failed to marshal pattern")
	}
	if err := r.client.RPush(ctx, r.key("patterns", p.CampaignID), data).Err(); err != nil {
		return errors.Wrap(err, "failed to record pattern", map[string]interface{}{"campaign_id": p.CampaignID})
	}
	return nil
}

// RequestTransfer queues the request and notifies subscribers on the
// transfers channel.
func (r *RedisStore) RequestTransfer(ctx context.Context, req TransferRequest) error {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = r.now()
	}
	ctx, cancel := opContext(ctx)
	defer cancel()
	data, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "failed to marshal transfer request")
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, r.key("transfers"), data)
		pipe.Publish(ctx, r.key("transfers"), data)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to request transfer", map[string]interface{}{"call_sid": req.CallSID})
	}
	r.logger.WithFields(logrus.Fields{
		"call_sid": req.CallSID,
		"urgency":  req.Urgency,
	}).Warn("Human transfer requested")
	return nil
}

// Client exposes the underlying Redis client
func (r *RedisStore) Client() redis.UniversalClient {
	return r.client
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Open returns the Redis store when enabled and falls back to the in-process
// store otherwise or when Redis cannot be reached.
func Open(cfg config.RedisConfig, logger *logrus.Logger) Store {
	if !cfg.Enabled {
		return NewMemoryStore()
	}
	store, err := NewRedisStore(cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, using in-memory lead store")
		return NewMemoryStore()
	}
	return store
}
