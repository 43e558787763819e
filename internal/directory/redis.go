package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rmacdonaldsmith/motionrelay/pkg/device"
)

// DefaultKeyPrefix is prepended to the USN to build the Redis key of a record.
const DefaultKeyPrefix = "motionrelay:device:"

// RedisPersister stores each device as a JSON string under {prefix}{usn}.
type RedisPersister struct {
	c      *redis.Client
	prefix string
}

// NewRedisPersister wraps an existing client. An empty prefix selects DefaultKeyPrefix.
func NewRedisPersister(c *redis.Client, prefix string) *RedisPersister {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisPersister{c: c, prefix: prefix}
}

// Ping checks connectivity.
func (r *RedisPersister) Ping(ctx context.Context) error {
	return r.c.Ping(ctx).Err()
}

func (r *RedisPersister) key(usn string) string {
	return r.prefix + usn
}

// Save writes the record.
func (r *RedisPersister) Save(ctx context.Context, d *device.VirtualDevice) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal device %s: %w", d.ID, err)
	}
	return r.c.Set(ctx, r.key(d.USN), data, 0).Err()
}

// Delete removes the record for usn. Missing keys are not an error.
func (r *RedisPersister) Delete(ctx context.Context, usn string) error {
	return r.c.Del(ctx, r.key(usn)).Err()
}

// Load reads a single record.
func (r *RedisPersister) Load(ctx context.Context, usn string) (*device.VirtualDevice, error) {
	val, err := r.c.Get(ctx, r.key(usn)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	var d device.VirtualDevice
	if err := json.Unmarshal(val, &d); err != nil {
		return nil, fmt.Errorf("decode device %s: %w", usn, err)
	}
	return &d, nil
}

// LoadAll scans every key under the prefix.
func (r *RedisPersister) LoadAll(ctx context.Context) ([]*device.VirtualDevice, error) {
	var keys []string
	var cursor uint64
	for {
		k, next, err := r.c.Scan(ctx, cursor, r.prefix+"*", 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	devices := make([]*device.VirtualDevice, 0, len(keys))
	for _, key := range keys {
		d, err := r.Load(ctx, key[len(r.prefix):])
		if errors.Is(err, ErrDeviceNotFound) {
			// deleted between scan and get
			continue
		}
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// Close closes the underlying client.
func (r *RedisPersister) Close() error {
	return r.c.Close()
}

var _ Persister = (*RedisPersister)(nil)
