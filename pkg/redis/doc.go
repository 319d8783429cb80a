// Package redis connects to Redis with go-redis/v9 and provides a
// distributed Locker used to serialize webhook processing per user when
// several instances run side by side.
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	locker := redis.NewLocker(client, redis.LockerFromConfig(cfg)...)
//
//	release, err := locker.Lock(ctx, "user:"+userID.String())
//	if err != nil {
//		return err
//	}
//	defer release()
//
// Locks are SET NX with a TTL and a random token; release runs a Lua script
// that deletes the key only while it still carries the caller's token.
package redis
