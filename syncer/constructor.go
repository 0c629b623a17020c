package syncer

import (
	"fmt"
	"strconv"

	"github.com/trickstertwo/xgate"
	"github.com/trickstertwo/xgate/worker"
)

// MetaStartingCursor is the metadata key carrying the cursor a new worker
// resumes from.
const MetaStartingCursor = "starting_cursor"

// Constructor binds deps and cfg into the worker.KindSync constructor.
func Constructor(deps Deps, cfg Config) worker.Constructor {
	return func(resourceKey string, meta worker.Metadata) (worker.Worker, error) {
		cursor, err := startingCursor(meta)
		if err != nil {
			return nil, err
		}
		return New(resourceKey, cursor, deps, cfg)
	}
}

func startingCursor(meta worker.Metadata) (int64, error) {
	v, ok := meta[MetaStartingCursor]
	if !ok || v == nil {
		return xgate.UninitializedCursor, nil
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case string:
		c, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("syncer: invalid %s %q: %w", MetaStartingCursor, n, err)
		}
		return c, nil
	default:
		return 0, fmt.Errorf("syncer: invalid %s type %T", MetaStartingCursor, v)
	}
}
