package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeviceCache keeps sensor-id lookups in redis so the ingest path does not hit
// postgres for every reading.
type DeviceCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeviceCache(rdb *redis.Client, ttl time.Duration) *DeviceCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &DeviceCache{rdb: rdb, ttl: ttl}
}

func sensorKey(sensorID string) string { return "telemetry:device:sensor:" + sensorID }

func (c *DeviceCache) Get(ctx context.Context, sensorID string) (*Device, error) {
	b, err := c.rdb.Get(ctx, sensorKey(sensorID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d Device
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *DeviceCache) Set(ctx context.Context, d *Device) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, sensorKey(d.SensorID), b, c.ttl).Err()
}

func (c *DeviceCache) Delete(ctx context.Context, sensorID string) error {
	return c.rdb.Del(ctx, sensorKey(sensorID)).Err()
}

// CachedDirectory is a Repo whose sensor lookups go through a DeviceCache first.
// Unknown sensors are never cached, so newly registered devices resolve immediately.
type CachedDirectory struct {
	*Repo
	cache *DeviceCache
}

func NewCachedDirectory(repo *Repo, cache *DeviceCache) *CachedDirectory {
	return &CachedDirectory{Repo: repo, cache: cache}
}

func (d *CachedDirectory) FindDeviceBySensorID(ctx context.Context, sensorID string) (*Device, error) {
	if d.cache != nil {
		dev, err := d.cache.Get(ctx, sensorID)
		if err != nil {
			slog.Warn("device cache read failed", "sensor_id", sensorID, "error", err)
		} else if dev != nil {
			return dev, nil
		}
	}
	dev, err := d.Repo.FindDeviceBySensorID(ctx, sensorID)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		if err := d.cache.Set(ctx, dev); err != nil {
			slog.Warn("device cache write failed", "sensor_id", sensorID, "error", err)
		}
	}
	return dev, nil
}
