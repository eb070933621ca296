package rpc

import (
	"context"

	"go.uber.org/zap"

	"topic-rpc/lockutils"
)

// CheckForLock reports whether ctx holds a lockutils lock, logging a warning when it does.
// The check only runs when debug is set; it never blocks or refuses the caller.
func CheckForLock(ctx context.Context, debug bool, logger *zap.Logger) bool {
	return checkForLock(ctx, lockutils.Default, debug, logger)
}

func checkForLock(ctx context.Context, locks *lockutils.Registry, debug bool, logger *zap.Logger, fields ...zap.Field) bool {
	if !debug || !locks.LockHeld(ctx) {
		return false
	}
	fields = append(fields,
		zap.Strings("locks", locks.HeldLocks(ctx)),
		zap.Stack("stack"),
	)
	logger.Warn("A RPC is being made while holding a lock. This is probably a bug.", fields...)
	return true
}
