package cache

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// Open creates a provider for the given driver.
//
//   - "memory": in-process map, dsn is ignored
//   - "sqlite": dsn is the database file name (empty for an in-memory database)
//   - "redis": dsn is a redis:// URL
func Open(driver, dsn string) (CacheProvider, error) {
	switch driver {
	case "memory", "":
		return NewMemCache(), nil
	case "sqlite":
		return NewSQLiteCache(dsn)
	case "redis":
		opts, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		return NewRedisCache(redis.NewClient(opts), ""), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
