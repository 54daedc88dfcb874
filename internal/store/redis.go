package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Hashes for records, lists for queues and rolling logs,
// sets for membership, pub/sub channels for live events.
const (
	keyWorkers  = "workers"           // set of worker ids
	keyQueueP0  = "queue:p0"          // high-priority FIFO
	keyQueueP1  = "queue:p1"          // normal FIFO
	keyLeaseSet = "leases"            // set of job ids with (recent) leases
	keyJobsAll  = "jobs"              // global job index, newest first
	fmtWorker   = "worker:%s"         // hash
	fmtLease    = "lease:%s"          // hash with TTL
	fmtJob      = "job:%s"            // hash
	fmtEvents   = "events:%s"         // list, newest first
	fmtEventsCh = "ch:events:%s"      // pub/sub channel
	fmtClient   = "client:%s:jobs"    // per-client index
	fmtIP       = "ip:%s:jobs"        // per-IP index
)

// dequeueScript pops the next waiting job id, draining P0 before P1.
var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then return id end
return redis.call('LPOP', KEYS[2])
`)

// acquireScript writes a lease only if none exists, tracks it, marks the
// job processing on the worker and bumps the worker's active count. One
// script so two replicas can never mint a lease for the same job.
var acquireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'worker_id', ARGV[1], 'deadline_ms', ARGV[2], 'retries', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('SADD', KEYS[2], ARGV[5])
redis.call('HSET', KEYS[3], 'status', 'processing', 'started_at_ms', ARGV[6], 'worker_id', ARGV[1])
redis.call('HINCRBY', KEYS[4], 'active', 1)
return 1
`)

// releaseScript reads and deletes the lease plus its tracking entry.
var releaseScript = redis.NewScript(`
local lease = redis.call('HGETALL', KEYS[1])
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return lease
`)

// adjustActiveScript increments the worker's active counter, clamped at 0.
var adjustActiveScript = redis.NewScript(`
local v = redis.call('HINCRBY', KEYS[1], 'active', ARGV[1])
if v < 0 then
  redis.call('HSET', KEYS[1], 'active', '0')
  v = 0
end
return v
`)

// RedisStore implements Store on a shared Redis instance.
type RedisStore struct {
	client    *redis.Client
	eventsMax int
}

// NewRedis connects to the Redis endpoint in url (redis://host:port/db) and
// verifies the connection.
func NewRedis(ctx context.Context, url string, eventsMax int) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	opts.PoolSize = 64
	opts.MinIdleConns = 2
	opts.ContextTimeoutEnabled = true

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, eventsMax: eventsMax}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// ---- jobs ----

func (s *RedisStore) PutJob(ctx context.Context, job *Job) error {
	if err := s.client.HSet(ctx, fmt.Sprintf(fmtJob, job.ID), jobToMap(job)).Err(); err != nil {
		return fmt.Errorf("put job: %w", err)
	}
	return nil
}

func (s *RedisStore) PatchJob(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, fmt.Sprintf(fmtJob, id), flatten(fields)).Err(); err != nil {
		return fmt.Errorf("patch job: %w", err)
	}
	return nil
}

func (s *RedisStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m, err := s.client.HGetAll(ctx, fmt.Sprintf(fmtJob, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return jobFromMap(m), nil
}

func (s *RedisStore) DeleteJob(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf(fmtJob, id))
	pipe.Del(ctx, fmt.Sprintf(fmtEvents, id))
	pipe.Del(ctx, fmt.Sprintf(fmtLease, id))
	pipe.SRem(ctx, keyLeaseSet, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (s *RedisStore) IndexJob(ctx context.Context, id, clientID, ip string) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, keyJobsAll, id)
	if clientID != "" {
		pipe.LPush(ctx, fmt.Sprintf(fmtClient, clientID), id)
	}
	if ip != "" {
		pipe.LPush(ctx, fmt.Sprintf(fmtIP, ip), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index job: %w", err)
	}
	return nil
}

func (s *RedisStore) JobIDs(ctx context.Context, kind IndexKind, key string, offset, limit int64) ([]string, error) {
	var k string
	switch kind {
	case IndexGlobal:
		k = keyJobsAll
	case IndexClient:
		k = fmt.Sprintf(fmtClient, key)
	case IndexIP:
		k = fmt.Sprintf(fmtIP, key)
	default:
		return nil, fmt.Errorf("unknown index kind %d", kind)
	}
	ids, err := s.client.LRange(ctx, k, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("job ids: %w", err)
	}
	return ids, nil
}

// ---- queue ----

func (s *RedisStore) Enqueue(ctx context.Context, id string, priority bool) error {
	k := keyQueueP1
	if priority {
		k = keyQueueP0
	}
	if err := s.client.RPush(ctx, k, id).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (s *RedisStore) Dequeue(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, s.client, []string{keyQueueP0, keyQueueP1}).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", fmt.Errorf("dequeue: %w", err)
	}
	id, _ := res.(string)
	return id, nil
}

func (s *RedisStore) RemoveFromQueues(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.LRem(ctx, keyQueueP0, 0, id)
	pipe.LRem(ctx, keyQueueP1, 0, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove from queues: %w", err)
	}
	return nil
}

func (s *RedisStore) QueueLens(ctx context.Context) (int64, int64, error) {
	pipe := s.client.Pipeline()
	p0 := pipe.LLen(ctx, keyQueueP0)
	p1 := pipe.LLen(ctx, keyQueueP1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("queue lens: %w", err)
	}
	return p0.Val(), p1.Val(), nil
}

// ---- workers ----

func (s *RedisStore) PutWorker(ctx context.Context, w *Worker) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, fmt.Sprintf(fmtWorker, w.ID), workerToMap(w))
	pipe.SAdd(ctx, keyWorkers, w.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put worker: %w", err)
	}
	return nil
}

func (s *RedisStore) PatchWorker(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, fmt.Sprintf(fmtWorker, id), flatten(fields)).Err(); err != nil {
		return fmt.Errorf("patch worker: %w", err)
	}
	return nil
}

func (s *RedisStore) GetWorker(ctx context.Context, id string) (*Worker, error) {
	m, err := s.client.HGetAll(ctx, fmt.Sprintf(fmtWorker, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return workerFromMap(m), nil
}

func (s *RedisStore) Workers(ctx context.Context) ([]*Worker, error) {
	ids, err := s.client.SMembers(ctx, keyWorkers).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	out := make([]*Worker, 0, len(ids))
	for _, id := range ids {
		m, err := s.client.HGetAll(ctx, fmt.Sprintf(fmtWorker, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("list workers: %w", err)
		}
		if len(m) == 0 {
			continue
		}
		out = append(out, workerFromMap(m))
	}
	return out, nil
}

func (s *RedisStore) AdjustWorkerActive(ctx context.Context, id string, delta int) error {
	k := fmt.Sprintf(fmtWorker, id)
	exists, err := s.client.Exists(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("adjust active: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := adjustActiveScript.Run(ctx, s.client, []string{k}, delta).Err(); err != nil {
		return fmt.Errorf("adjust active: %w", err)
	}
	return nil
}

// ---- leases ----

func (s *RedisStore) AcquireLease(ctx context.Context, jobID, workerID string, retries int, ttl time.Duration, nowMs int64) error {
	keys := []string{
		fmt.Sprintf(fmtLease, jobID),
		keyLeaseSet,
		fmt.Sprintf(fmtJob, jobID),
		fmt.Sprintf(fmtWorker, workerID),
	}
	deadlineMs := nowMs + ttl.Milliseconds()
	res, err := acquireScript.Run(ctx, s.client, keys,
		workerID, deadlineMs, retries, ttl.Milliseconds(), jobID, nowMs).Int()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if res == 0 {
		return ErrLeaseExists
	}
	return nil
}

func (s *RedisStore) ReadLease(ctx context.Context, jobID string) (*Lease, error) {
	m, err := s.client.HGetAll(ctx, fmt.Sprintf(fmtLease, jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read lease: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return leaseFromMap(jobID, m), nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, jobID string) (*Lease, error) {
	res, err := releaseScript.Run(ctx, s.client,
		[]string{fmt.Sprintf(fmtLease, jobID), keyLeaseSet}, jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("release lease: %w", err)
	}
	// HGETALL inside a script comes back as a flat [k, v, k, v, ...] slice.
	flat, _ := res.([]any)
	if len(flat) == 0 {
		return nil, ErrNotFound
	}
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	return leaseFromMap(jobID, m), nil
}

func (s *RedisStore) LeaseJobIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, keyLeaseSet).Result()
	if err != nil {
		return nil, fmt.Errorf("lease job ids: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) LeaseExists(ctx context.Context, jobID string) (bool, error) {
	n, err := s.client.Exists(ctx, fmt.Sprintf(fmtLease, jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("lease exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) RemoveLeaseTracking(ctx context.Context, jobID string) error {
	if err := s.client.SRem(ctx, keyLeaseSet, jobID).Err(); err != nil {
		return fmt.Errorf("remove lease tracking: %w", err)
	}
	return nil
}

// ---- events ----

func (s *RedisStore) AppendEvent(ctx context.Context, jobID string, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, fmt.Sprintf(fmtEvents, jobID), payload)
	pipe.LTrim(ctx, fmt.Sprintf(fmtEvents, jobID), 0, int64(s.eventsMax-1))
	pipe.Publish(ctx, fmt.Sprintf(fmtEventsCh, jobID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *RedisStore) Events(ctx context.Context, jobID string) ([]Event, error) {
	raw, err := s.client.LRange(ctx, fmt.Sprintf(fmtEvents, jobID), 0, int64(s.eventsMax-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	// The list is newest first; return oldest first.
	out := make([]Event, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var ev Event
		if err := json.Unmarshal([]byte(raw[i]), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// redisSubscription adapts a go-redis PubSub to the Subscription interface.
// Each Subscribe call holds its own connection for the lifetime of the
// stream, so SSE sessions never starve the shared pool.
type redisSubscription struct {
	ps     *redis.PubSub
	ch     chan Event
	cancel context.CancelFunc
}

func (s *redisSubscription) Events() <-chan Event { return s.ch }

func (s *redisSubscription) Close() {
	s.cancel()
	_ = s.ps.Close()
}

func (s *RedisStore) SubscribeEvents(ctx context.Context, jobID string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, fmt.Sprintf(fmtEventsCh, jobID))
	// Force the subscription onto the wire before history replay so no
	// message published after subscribe is lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe events: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{ps: ps, ch: make(chan Event, 16), cancel: cancel}

	go func() {
		defer close(sub.ch)
		msgs := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case sub.ch <- ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

// ---- hash codecs ----

func jobToMap(j *Job) map[string]any {
	return map[string]any{
		"id":              j.ID,
		"status":          j.Status,
		"filename":        j.Filename,
		"input_path":      j.InputPath,
		"output_path":     j.OutputPath,
		"client_id":       j.ClientID,
		"requested_by_ip": j.RequestedByIP,
		"user_agent":      j.UserAgent,
		"created_at_ms":   strconv.FormatInt(j.CreatedAtMs, 10),
		"started_at_ms":   strconv.FormatInt(j.StartedAtMs, 10),
		"finished_at_ms":  strconv.FormatInt(j.FinishedAtMs, 10),
		"processing_ms":   strconv.FormatInt(j.ProcessingMs, 10),
		"worker_id":       j.WorkerID,
		"lease_retries":   strconv.Itoa(j.LeaseRetries),
		"error":           j.Error,
		"mode":            j.Mode,
	}
}

func jobFromMap(m map[string]string) *Job {
	return &Job{
		ID:            m["id"],
		Status:        m["status"],
		Filename:      m["filename"],
		InputPath:     m["input_path"],
		OutputPath:    m["output_path"],
		ClientID:      m["client_id"],
		RequestedByIP: m["requested_by_ip"],
		UserAgent:     m["user_agent"],
		CreatedAtMs:   parseInt64(m["created_at_ms"]),
		StartedAtMs:   parseInt64(m["started_at_ms"]),
		FinishedAtMs:  parseInt64(m["finished_at_ms"]),
		ProcessingMs:  parseInt64(m["processing_ms"]),
		WorkerID:      m["worker_id"],
		LeaseRetries:  int(parseInt64(m["lease_retries"])),
		Error:         m["error"],
		Mode:          m["mode"],
	}
}

func workerToMap(w *Worker) map[string]any {
	tags, _ := json.Marshal(w.Tags)
	gpu, _ := json.Marshal(w.GPU)
	return map[string]any{
		"id":            w.ID,
		"name":          w.Name,
		"public_url":    w.PublicURL,
		"capacity":      strconv.Itoa(w.Capacity),
		"active":        strconv.Itoa(w.Active),
		"last_seen_ms":  strconv.FormatInt(w.LastSeenMs, 10),
		"first_seen_ms": strconv.FormatInt(w.FirstSeenMs, 10),
		"remote_ip":     w.RemoteIP,
		"tags":          string(tags),
		"gpu":           string(gpu),
	}
}

func workerFromMap(m map[string]string) *Worker {
	w := &Worker{
		ID:          m["id"],
		Name:        m["name"],
		PublicURL:   m["public_url"],
		Capacity:    int(parseInt64(m["capacity"])),
		Active:      int(parseInt64(m["active"])),
		LastSeenMs:  parseInt64(m["last_seen_ms"]),
		FirstSeenMs: parseInt64(m["first_seen_ms"]),
		RemoteIP:    m["remote_ip"],
	}
	if v := m["tags"]; v != "" {
		_ = json.Unmarshal([]byte(v), &w.Tags)
	}
	if v := m["gpu"]; v != "" {
		_ = json.Unmarshal([]byte(v), &w.GPU)
	}
	return w
}

func leaseFromMap(jobID string, m map[string]string) *Lease {
	return &Lease{
		JobID:      jobID,
		WorkerID:   m["worker_id"],
		DeadlineMs: parseInt64(m["deadline_ms"]),
		Retries:    int(parseInt64(m["retries"])),
	}
}

// flatten converts patch fields to redis hash values: numbers via strconv,
// composites as JSON.
func flatten(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case string:
			out[k] = t
		case int:
			out[k] = strconv.Itoa(t)
		case int64:
			out[k] = strconv.FormatInt(t, 10)
		case bool:
			out[k] = strconv.FormatBool(t)
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			b, _ := json.Marshal(v)
			out[k] = string(b)
		}
	}
	return out
}

func parseInt64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
