package coordinator

import (
	"context"

	"goa.design/pulse/rmap"
)

// RMapLeaseMap adapts *rmap.Map to the LeaseMap interface, the same
// narrowing the teacher's rate limiter applies in
// features/model/middleware/ratelimit.go's rmapClusterMap.
type RMapLeaseMap struct {
	M *rmap.Map
}

// Get implements LeaseMap.
func (a RMapLeaseMap) Get(key string) (string, bool) {
	return a.M.Get(key)
}

// SetIfNotExists implements LeaseMap.
func (a RMapLeaseMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return a.M.SetIfNotExists(ctx, key, value)
}

// TestAndSet implements LeaseMap.
func (a RMapLeaseMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return a.M.TestAndSet(ctx, key, test, value)
}
