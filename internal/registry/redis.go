package registry

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/iaptunnel/internal/obs"
)

const (
	keyPrefix     = "iaptunnel:tunnel:"
	EventsChannel = "iaptunnel:events"
)

// MirroredTunnel is the JSON form stored under iaptunnel:tunnel:<id>.
type MirroredTunnel struct {
	Snapshot
	InstanceID string    `json:"instance_id"`
	LastSeen   time.Time `json:"last_seen"`
}

// RedisMirror copies registry state to Redis so several iaptunnel processes
// can be observed from one place. Each open tunnel is a key with a TTL that
// the heartbeat refreshes; lifecycle events are published on EventsChannel.
type RedisMirror struct {
	client     *redis.Client
	reg        *Registry
	instanceID string

	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

// RedisOptions configures a RedisMirror.
type RedisOptions struct {
	Addr              string
	Password          string
	DB                int
	HeartbeatInterval time.Duration
	KeyTTL            time.Duration
}

// NewRedisMirror connects to Redis and verifies it with a PING.
func NewRedisMirror(reg *Registry, opts RedisOptions) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.KeyTTL <= 0 {
		opts.KeyTTL = 3 * opts.HeartbeatInterval
	}
	host, _ := os.Hostname()
	return &RedisMirror{
		client:            rdb,
		reg:               reg,
		instanceID:        fmt.Sprintf("iaptunnel-%s-%d", host, time.Now().UnixNano()),
		heartbeatInterval: opts.HeartbeatInterval,
		keyTTL:            opts.KeyTTL,
	}, nil
}

// InstanceID identifies this process in mirrored records.
func (m *RedisMirror) InstanceID() string { return m.instanceID }

// Close releases the Redis client.
func (m *RedisMirror) Close() error { return m.client.Close() }

// Run consumes registry events until ctx is done, refreshing keys every
// heartbeat interval.
func (m *RedisMirror) Run(ctx context.Context) {
	events, unsubscribe := m.reg.Subscribe(256)
	defer unsubscribe()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	m.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := m.apply(ctx, e); err != nil {
				obs.Error("redis.mirror", obs.Fields{"err": err, "kind": e.Kind.String(), "tunnel": e.Tunnel.ID})
			}
		case <-ticker.C:
			m.heartbeat(ctx)
		}
	}
}

func (m *RedisMirror) apply(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := m.client.TxPipeline()
	switch e.Kind {
	case Opened:
		rec, err := m.record(e.Tunnel, e.At)
		if err != nil {
			return err
		}
		pipe.Set(ctx, keyPrefix+e.Tunnel.ID, rec, m.keyTTL)
	default:
		pipe.Del(ctx, keyPrefix+e.Tunnel.ID)
	}
	pipe.Publish(ctx, EventsChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis exec: %w", err)
	}
	return nil
}

func (m *RedisMirror) record(s Snapshot, at time.Time) ([]byte, error) {
	data, err := json.Marshal(MirroredTunnel{Snapshot: s, InstanceID: m.instanceID, LastSeen: at})
	if err != nil {
		return nil, fmt.Errorf("marshal tunnel: %w", err)
	}
	return data, nil
}

// heartbeat rewrites every locally open tunnel with fresh counters and TTL.
func (m *RedisMirror) heartbeat(ctx context.Context) {
	open := m.reg.Snapshots()
	if len(open) == 0 {
		return
	}
	now := time.Now()
	pipe := m.client.Pipeline()
	for _, s := range open {
		rec, err := m.record(s, now)
		if err != nil {
			obs.Error("redis.heartbeat.marshal", obs.Fields{"err": err, "tunnel": s.ID})
			continue
		}
		pipe.Set(ctx, keyPrefix+s.ID, rec, m.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat.set", obs.Fields{"err": err, "tunnels": len(open)})
	}
}

// List returns tunnels mirrored by every instance sharing this Redis.
func (m *RedisMirror) List(ctx context.Context) ([]MirroredTunnel, error) {
	var out []MirroredTunnel
	iter := m.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := m.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", iter.Val(), err)
		}
		var rec MirroredTunnel
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			obs.Error("redis.unmarshal_tunnel", obs.Fields{"err": err, "key": iter.Val()})
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	slices.SortFunc(out, func(a, b MirroredTunnel) int {
		return cmp.Or(cmp.Compare(a.InstanceID, b.InstanceID), a.Opened.Compare(b.Opened))
	})
	return out, nil
}

// Watch streams events published by all instances until ctx is done.
func (m *RedisMirror) Watch(ctx context.Context) (<-chan Event, error) {
	sub := m.client.Subscribe(ctx, EventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					obs.Error("redis.unmarshal_event", obs.Fields{"err": err})
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
