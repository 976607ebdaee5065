package cache

import (
	"context"
	"strconv"

	"github.com/gomodule/redigo/redis"

	"github.com/kiln-pm/kiln/internal/kilnerrors"
)

// redisProvider is a Redis-backed Provider. Each descriptor is stored as a
// hash under descriptorKey(hash), with fields "name", "version", "size" —
// the same HMSET/HMGET-of-a-struct shape the teacher's redisLayerInfoCache
// used for layer metadata, adapted from garyburd/redigo onto the
// near-identical gomodule/redigo API (Pool.Get/Do, redis.Values/Scan).
type redisProvider struct {
	pool *redis.Pool
}

// NewRedis returns a Provider backed by pool. The caller owns pool's
// lifecycle (creation and Close).
func NewRedis(pool *redis.Pool) Provider {
	return &redisProvider{pool: pool}
}

func descriptorKey(hash string) string {
	return "kiln::descriptor::" + hash
}

func (r *redisProvider) Get(ctx context.Context, hash string) (Descriptor, bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return Descriptor{}, false, kilnerrors.Wrap(kilnerrors.Storage, "acquire redis connection", err)
	}
	defer conn.Close()

	reply, err := redis.Values(conn.Do("HMGET", descriptorKey(hash), "name", "version", "size"))
	if err != nil {
		return Descriptor{}, false, kilnerrors.Wrap(kilnerrors.Storage, "read descriptor cache entry", err)
	}
	if len(reply) < 3 || reply[0] == nil || reply[1] == nil || reply[2] == nil {
		return Descriptor{}, false, nil
	}

	var name, version string
	var size int64
	if _, err := redis.Scan(reply, &name, &version, &size); err != nil {
		return Descriptor{}, false, kilnerrors.Wrap(kilnerrors.Storage, "decode descriptor cache entry", err)
	}
	return Descriptor{Name: name, Version: version, Size: size}, true, nil
}

func (r *redisProvider) Set(ctx context.Context, hash string, d Descriptor) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, "acquire redis connection", err)
	}
	defer conn.Close()

	_, err = conn.Do("HMSET", descriptorKey(hash),
		"name", d.Name,
		"version", d.Version,
		"size", strconv.FormatInt(d.Size, 10),
	)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, "write descriptor cache entry", err)
	}
	return nil
}

func (r *redisProvider) Clear(ctx context.Context, hash string) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, "acquire redis connection", err)
	}
	defer conn.Close()

	if _, err := conn.Do("DEL", descriptorKey(hash)); err != nil {
		return kilnerrors.Wrap(kilnerrors.Storage, "clear descriptor cache entry", err)
	}
	return nil
}
