package deltas

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/flatpak/flatpak-indexer/cleaner"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Pub/sub channels shared between the daemon and differ workers.
const (
	QueuedChannel   = "tardiff:queued"
	CompleteChannel = "tardiff:complete"
)

const (
	pendingKey      = "tardiff:pending"
	progressKey     = "tardiff:progress"
	winnersKey      = "tardiff:winners"
	specKeyPrefix   = "tardiff:spec:"
	resultKeyPrefix = "tardiff:result:"

	specTTL = 24 * time.Hour

	// activeSlop tolerates another daemon refreshing the same keys with
	// a slightly older timestamp.
	activeSlop = time.Minute
)

const (
	StatusSuccess       = "success"
	StatusDownloadError = "download-error"
	StatusDiffError     = "diff-error"
	StatusQueueError    = "queue-error"
	StatusNoSpecError   = "no-spec-error"
)

// Spec describes one delta computation: the layers to diff and where a
// worker can pull them from.
type Spec struct {
	FromPullSpec string `json:"FromPullSpec"`
	FromDiffID   string `json:"FromDiffId"`
	ToPullSpec   string `json:"ToPullSpec"`
	ToDiffID     string `json:"ToDiffId"`
}

// Key is the content address of a delta: the ordered pair of layer
// diff IDs.
func (s Spec) Key() string {
	return s.FromDiffID + ":" + s.ToDiffID
}

// Result is the outcome of one delta computation.
type Result struct {
	Status         string  `json:"Status"`
	Digest         string  `json:"Digest"`
	Size           int64   `json:"Size"`
	Message        string  `json:"Message"`
	FromSize       int64   `json:"FromSize,omitempty"`
	ToSize         int64   `json:"ToSize,omitempty"`
	ElapsedSeconds float64 `json:"ElapsedSeconds,omitempty"`
}

// Retriable reports whether a later pass should request the computation
// again. Diff failures are deterministic and not worth retrying.
func (r Result) Retriable() bool {
	return r.Status == StatusDownloadError || r.Status == StatusQueueError
}

// enqueueScript makes enqueue a no-op while the key is ready (active),
// queued (pending) or computing (progress). Checking and adding must be
// one atomic step so two concurrent passes cannot both enqueue.
var enqueueScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[3], ARGV[1]) then return 0 end
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 1 then return 0 end
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then return 0 end
redis.call('SET', KEYS[4], ARGV[2], 'EX', ARGV[3])
redis.call('SADD', KEYS[1], ARGV[1])
return 1
`)

// claimScript atomically pops one queued key and marks it computing,
// so exactly one worker receives it even across processes.
var claimScript = redis.NewScript(`
local key = redis.call('SPOP', KEYS[1])
if not key then return false end
redis.call('ZADD', KEYS[2], ARGV[1], key)
return key
`)

// requeueScript returns expired claims to the queue in one step.
var requeueScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], 0, ARGV[1])
if #stale == 0 then return stale end
redis.call('ZREM', KEYS[1], unpack(stale))
redis.call('SADD', KEYS[2], unpack(stale))
return stale
`)

// Queue is the durable delta work queue in the shared redis store. It is
// the single source of truth for pending delta computation.
func NewQueue(log logrus.FieldLogger, rdb *redis.Client) *Queue {
	return &Queue{
		log: log.WithField("component", "deltaqueue"),
		rdb: rdb,
	}
}

type Queue struct {
	log logrus.FieldLogger
	rdb *redis.Client
}

// Enqueue requests computation of a delta. It is idempotent: a key that
// is already queued, computing or ready is left alone. Workers are
// notified over the queued channel when a new request lands.
func (q *Queue) Enqueue(ctx context.Context, spec Spec) (bool, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return false, fmt.Errorf("encoding delta spec: %w", err)
	}
	added, err := enqueueScript.Run(ctx, q.rdb,
		[]string{pendingKey, progressKey, cleaner.ActiveResultsKey, specKeyPrefix + spec.Key()},
		spec.Key(), raw, int(specTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueueing delta: %w", err)
	}
	if added == 0 {
		return false, nil
	}
	if err := q.rdb.Publish(ctx, QueuedChannel, "").Err(); err != nil {
		return false, fmt.Errorf("notifying workers: %w", err)
	}
	q.log.Infof("requested delta %s", spec.Key())
	return true, nil
}

// Claim hands one queued key to the caller and marks it computing. It
// returns "" when the queue is empty.
func (q *Queue) Claim(ctx context.Context) (string, error) {
	key, err := claimScript.Run(ctx, q.rdb,
		[]string{pendingKey, progressKey},
		time.Now().Unix(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("claiming delta request: %w", err)
	}
	return key, nil
}

// Heartbeat extends the lease on a claimed key while a long download or
// diff is in flight.
func (q *Queue) Heartbeat(ctx context.Context, key string) error {
	return q.rdb.ZAddArgs(ctx, progressKey, redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: float64(time.Now().Unix()), Member: key}},
	}).Err()
}

// RequeueExpired returns keys whose lease ran out to the queue, so a
// crashed worker cannot leave a key stuck in computing.
func (q *Queue) RequeueExpired(ctx context.Context, leaseTimeout time.Duration) ([]string, error) {
	stale, err := requeueScript.Run(ctx, q.rdb,
		[]string{progressKey, pendingKey},
		time.Now().Add(-leaseTimeout).Unix(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("requeueing expired claims: %w", err)
	}
	if len(stale) > 0 {
		for _, key := range stale {
			q.log.Infof("claim on %s expired, requeueing", key)
		}
		if err := q.rdb.Publish(ctx, QueuedChannel, "").Err(); err != nil {
			return nil, fmt.Errorf("notifying workers: %w", err)
		}
	}
	return stale, nil
}

// RecordWinnerPair remembers that the published head of a ref moved
// from one build to another. The tag history only covers builds the
// registry still tags, so without this record the pair would be visible
// in the single cycle where the head moved and a delta finishing later
// could never be attached. NX keeps the first discovery time as the
// score, which bounds how long the pair stays live.
func (q *Queue) RecordWinnerPair(ctx context.Context, fromDigest, toDigest string) error {
	err := q.rdb.ZAddNX(ctx, winnersKey, redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: fromDigest + "|" + toDigest,
	}).Err()
	if err != nil {
		return fmt.Errorf("recording winner pair: %w", err)
	}
	return nil
}

// WinnerPairs lists the (from, to) digest pairs discovered since the
// cutoff.
func (q *Queue) WinnerPairs(ctx context.Context, since time.Time) ([][2]string, error) {
	members, err := q.rdb.ZRangeByScore(ctx, winnersKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing winner pairs: %w", err)
	}
	pairs := make([][2]string, 0, len(members))
	for _, m := range members {
		from, to, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		pairs = append(pairs, [2]string{from, to})
	}
	return pairs, nil
}

// PruneWinnerPairs drops pairs whose retention window lapsed, letting
// the sweep reclaim their artifacts.
func (q *Queue) PruneWinnerPairs(ctx context.Context, before time.Time) error {
	err := q.rdb.ZRemRangeByScore(ctx, winnersKey, "0", fmt.Sprintf("%d", before.Unix())).Err()
	if err != nil {
		return fmt.Errorf("pruning winner pairs: %w", err)
	}
	return nil
}

// Finish records the result of a claimed computation, releases the
// claim and notifies waiting daemons.
func (q *Queue) Finish(ctx context.Context, key string, res Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding delta result: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, resultKeyPrefix+key, raw, 0)
	pipe.ZRem(ctx, progressKey, key)
	if res.Status == StatusSuccess {
		pipe.ZAdd(ctx, cleaner.ActiveResultsKey, redis.Z{
			Score:  float64(time.Now().Unix()),
			Member: key,
		})
	}
	pipe.Publish(ctx, CompleteChannel, "")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording delta result: %w", err)
	}
	return nil
}

// Spec reads the stored spec for a claimed key; nil when it expired.
func (q *Queue) Spec(ctx context.Context, key string) (*Spec, error) {
	raw, err := q.rdb.Get(ctx, specKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading delta spec: %w", err)
	}
	var spec Spec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parsing delta spec: %w", err)
	}
	return &spec, nil
}

// Results fetches results for the given keys; absent keys are omitted.
func (q *Queue) Results(ctx context.Context, keys []string) (map[string]Result, error) {
	if len(keys) == 0 {
		return map[string]Result{}, nil
	}
	resultKeys := make([]string, len(keys))
	for i, k := range keys {
		resultKeys[i] = resultKeyPrefix + k
	}
	raws, err := q.rdb.MGet(ctx, resultKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading delta results: %w", err)
	}
	out := make(map[string]Result, len(keys))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var res Result
		if err := json.Unmarshal([]byte(s), &res); err != nil {
			return nil, fmt.Errorf("parsing delta result for %s: %w", keys[i], err)
		}
		out[keys[i]] = res
	}
	return out, nil
}

// DropResult reverts a ready key to absent, used when the retention
// sweep removed the backing artifact.
func (q *Queue) DropResult(ctx context.Context, key string) error {
	if err := q.rdb.Del(ctx, resultKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("dropping delta result: %w", err)
	}
	return nil
}

// RefreshActive stamps successful results as referenced and reports
// which of them still have a live artifact. A key missing from the
// active set was swept and must be recomputed.
func (q *Queue) RefreshActive(ctx context.Context, keys []string) (map[string]bool, error) {
	fresh := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return fresh, nil
	}
	now := time.Now()
	members := make([]redis.Z, len(keys))
	for i, k := range keys {
		members[i] = redis.Z{Score: float64(now.Unix()), Member: k}
	}
	err := q.rdb.ZAddArgs(ctx, cleaner.ActiveResultsKey, redis.ZAddArgs{
		XX:      true,
		Members: members,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("refreshing active deltas: %w", err)
	}
	updated, err := q.rdb.ZRangeByScore(ctx, cleaner.ActiveResultsKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", now.Add(-activeSlop).Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active deltas: %w", err)
	}
	updatedSet := make(map[string]struct{}, len(updated))
	for _, k := range updated {
		updatedSet[k] = struct{}{}
	}
	for _, k := range keys {
		_, ok := updatedSet[k]
		fresh[k] = ok
	}
	return fresh, nil
}

// PendingCount reports queue depth for metrics.
func (q *Queue) PendingCount(ctx context.Context) (pending, computing int64, err error) {
	pending, err = q.rdb.SCard(ctx, pendingKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("reading queue depth: %w", err)
	}
	computing, err = q.rdb.ZCard(ctx, progressKey).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return pending, computing, nil
}
