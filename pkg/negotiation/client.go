package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Client is the Redis-backed Store. All keys and channels are namespaced with
// the instance name. The client is safe for concurrent use.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

var _ Store = (*Client)(nil)

// NewClient creates a new store client for the specified instance.
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// InstanceName returns the namespace this client writes to.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Save writes n if the stored version still equals n.Version.
//
// The hash, the due index and the correlation index are updated in a single
// MULTI/EXEC guarded by WATCH, so a concurrent writer turns into ErrConflict
// rather than a lost update.
func (c *Client) Save(ctx context.Context, n *ContractNegotiation) error {
	if err := n.Validate(); err != nil {
		return fmt.Errorf("invalid negotiation: %w", err)
	}

	key := NegotiationKey(c.instanceName, n.ID)
	correlationKey := CorrelationKey(c.instanceName, n.Role, n.CorrelationID)
	next := n.Clone()
	next.Version = n.Version + 1

	hash, err := NegotiationToHash(next)
	if err != nil {
		return fmt.Errorf("failed to serialize negotiation: %w", err)
	}

	txf := func(tx *redis.Tx) error {
		stored, err := tx.HMGet(ctx, key, "version", "state").Result()
		if err != nil {
			return fmt.Errorf("failed to read stored version: %w", err)
		}

		exists := stored[0] != nil
		var storedVersion int64
		var storedState State
		if exists {
			storedVersion, err = strconv.ParseInt(fmt.Sprint(stored[0]), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid stored version: %w", err)
			}
			code, _ := strconv.Atoi(fmt.Sprint(stored[1]))
			storedState = State(code)
		}

		if exists && storedVersion != n.Version || !exists && n.Version != 0 {
			return ErrConflict
		}

		// A correlation id belongs to the first negotiation created for it.
		if !exists {
			owner, err := tx.Get(ctx, correlationKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to read correlation index: %w", err)
			}
			if owner != "" && owner != n.ID {
				return ErrConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			if exists {
				pipe.ZRem(ctx, DueKey(c.instanceName, n.Role, storedState), n.ID)
			}
			if !next.State.Terminal() {
				pipe.ZAdd(ctx, DueKey(c.instanceName, n.Role, next.State), redis.Z{
					Score:  float64(next.StateTimestampMs),
					Member: n.ID,
				})
			}
			pipe.Set(ctx, correlationKey, n.ID, 0)
			return nil
		})
		return err
	}

	if err := c.rdb.Watch(ctx, txf, key, correlationKey); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return ErrConflict
		}
		if errors.Is(err, ErrConflict) {
			return err
		}
		return fmt.Errorf("failed to save negotiation to Redis: %w", err)
	}

	n.Version = next.Version
	return nil
}

// FindByID retrieves a negotiation. Returns ErrNotFound if it doesn't exist.
func (c *Client) FindByID(ctx context.Context, id string) (*ContractNegotiation, error) {
	key := NegotiationKey(c.instanceName, id)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read negotiation from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return nil, ErrNotFound
	}

	n, err := HashToNegotiation(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize negotiation: %w", err)
	}

	return n, nil
}

// FindByCorrelationID looks up a negotiation through the correlation index.
func (c *Client) FindByCorrelationID(ctx context.Context, role Role, correlationID string) (*ContractNegotiation, error) {
	id, err := c.rdb.Get(ctx, CorrelationKey(c.instanceName, role, correlationID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read correlation index: %w", err)
	}
	return c.FindByID(ctx, id)
}

// NextBatch claims due negotiations for q.Owner.
//
// Candidates come from the per-state due ZSETs ordered by state timestamp.
// Leased negotiations stay in the due sets, so the sets are read a window at
// a time until q.Max are claimed or every set is exhausted. Each candidate is
// claimed in its own WATCH transaction; losing the race to another worker
// aborts that transaction and the candidate is skipped.
func (c *Client) NextBatch(ctx context.Context, q BatchQuery) ([]*ContractNegotiation, error) {
	if q.Max <= 0 {
		return nil, nil
	}

	window := int64(q.Max * 4)
	if window < 20 {
		window = 20
	}

	offsets := make(map[State]int64, len(q.States))
	pending := append([]State(nil), q.States...)

	expires := q.NowMs + q.LeaseTTL.Milliseconds()
	batch := make([]*ContractNegotiation, 0, q.Max)

	for len(pending) > 0 && len(batch) < q.Max {
		var candidates []redis.Z
		remaining := pending[:0]
		for _, state := range pending {
			zs, err := c.rdb.ZRangeByScoreWithScores(ctx, DueKey(c.instanceName, q.Role, state), &redis.ZRangeBy{
				Min:    "-inf",
				Max:    strconv.FormatInt(q.NowMs, 10),
				Offset: offsets[state],
				Count:  window,
			}).Result()
			if err != nil {
				return batch, fmt.Errorf("failed to read due negotiations: %w", err)
			}
			candidates = append(candidates, zs...)
			offsets[state] += int64(len(zs))
			if int64(len(zs)) == window {
				remaining = append(remaining, state)
			}
		}
		pending = remaining

		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Score < candidates[j].Score
		})

		for _, z := range candidates {
			if len(batch) >= q.Max {
				break
			}
			id := z.Member.(string)

			claimed, err := c.claim(ctx, id, q, expires)
			if err != nil {
				return batch, err
			}
			if !claimed {
				continue
			}

			n, err := c.FindByID(ctx, id)
			if err != nil {
				return batch, err
			}
			batch = append(batch, n)
		}
	}

	return batch, nil
}

// claim leases one negotiation. Returns false when it is no longer eligible
// or another worker won the race.
func (c *Client) claim(ctx context.Context, id string, q BatchQuery, expiresAtMs int64) (bool, error) {
	key := NegotiationKey(c.instanceName, id)
	claimed := false

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HMGet(ctx, key, "state", "state_timestamp", "lease_owner", "lease_expires_at").Result()
		if err != nil {
			return err
		}
		if fields[0] == nil {
			return nil
		}

		code, _ := strconv.Atoi(fmt.Sprint(fields[0]))
		if !containsState(q.States, State(code)) {
			return nil
		}
		ts, _ := strconv.ParseInt(fmt.Sprint(fields[1]), 10, 64)
		if ts > q.NowMs {
			return nil
		}
		owner, _ := fields[2].(string)
		leaseExpires, _ := strconv.ParseInt(fmt.Sprint(fields[3]), 10, 64)
		lease := &Lease{Owner: owner, ExpiresAtMs: leaseExpires}
		if lease.Live(q.NowMs) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "lease_owner", q.Owner, "lease_expires_at", expiresAtMs)
			pipe.HIncrBy(ctx, key, "version", 1)
			return nil
		})
		if err == nil {
			claimed = true
		}
		return err
	}

	if err := c.rdb.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return false, nil
		}
		return false, fmt.Errorf("failed to lease negotiation %s: %w", id, err)
	}
	return claimed, nil
}

// Release clears the lease if owner still holds it.
func (c *Client) Release(ctx context.Context, id, owner string) error {
	key := NegotiationKey(c.instanceName, id)

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "lease_owner").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		if current != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "lease_owner", "", "lease_expires_at", "")
			pipe.HIncrBy(ctx, key, "version", 1)
			return nil
		})
		return err
	}

	if err := c.rdb.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return ErrConflict
		}
		return fmt.Errorf("failed to release lease on %s: %w", id, err)
	}
	return nil
}

// List scans every negotiation hash of this instance.
// Malformed entries are skipped.
func (c *Client) List(ctx context.Context) ([]*ContractNegotiation, error) {
	ids, err := c.ScanNegotiations(ctx, "")
	if err != nil {
		return nil, err
	}

	negotiations := make([]*ContractNegotiation, 0, len(ids))
	for _, id := range ids {
		n, err := c.FindByID(ctx, id)
		if err != nil {
			continue
		}
		negotiations = append(negotiations, n)
	}
	return negotiations, nil
}

// ScanNegotiations returns the ids of negotiations whose id starts with prefix.
// Uses SCAN so the server is never blocked.
func (c *Client) ScanNegotiations(ctx context.Context, prefix string) ([]string, error) {
	keyPrefix := NegotiationKeyPrefix(c.instanceName)
	iter := c.rdb.Scan(ctx, 0, keyPrefix+prefix+"*", 0).Iterator()

	var ids []string
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan negotiations: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// PublishTransition publishes a committed transition to the instance's
// transition channel. Delivery is at-most-once.
func (c *Client) PublishTransition(ctx context.Context, event *TransitionEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal transition event: %w", err)
	}
	if err := c.rdb.Publish(ctx, TransitionEventsChannel(c.instanceName), data).Err(); err != nil {
		return fmt.Errorf("failed to publish transition event: %w", err)
	}
	return nil
}

// Subscription represents an active Pub/Sub subscription to transition events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *TransitionEvent
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of transition events.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *TransitionEvent {
	return s.events
}

// Errors returns the channel of non-fatal subscription errors.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeTransitionEvents subscribes to transition events for this instance.
// Events are delivered on a buffered channel (size 10); a slow subscriber may
// miss events.
func (c *Client) SubscribeTransitionEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, TransitionEventsChannel(c.instanceName))

	// Wait for the subscription to be confirmed so no event published after
	// this call returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to transition events: %w", err)
	}

	eventsChan := make(chan *TransitionEvent, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event TransitionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal transition event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

func containsState(states []State, s State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
