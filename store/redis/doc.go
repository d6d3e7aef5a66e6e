// Package redis implements store.Store on Redis. Each request is a JSON
// document under its own key carrying a version number; CASUpdate runs
// WATCH/MULTI/EXEC over that key so a concurrent writer aborts the
// transaction and the caller sees pipeline.ErrVersionConflict. Terminal
// requests get a native key TTL.
//
// The caller owns the client lifecycle; Close never closes it.
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
