package database

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"imob-leads-go/pkg/log"
)

var RDB *redis.Client

// OpenRedis 创建 Redis 客户端并测试连接。
func OpenRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// InitRedis 初始化全局 Redis 客户端连接
func InitRedis(addr, password string, db int) {
	rdb, err := OpenRedis(context.Background(), addr, password, db)
	if err != nil {
		log.Fatal("failed to connect to redis", err)
	}
	RDB = rdb
	log.Info("Redis client connected successfully")
}
