package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/amoylab/clinicpush/internal/common/cnst"
	"github.com/amoylab/clinicpush/internal/common/config"
	"github.com/amoylab/clinicpush/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// admitScript increments the origin counter and starts the window on the
// first attempt only, so later attempts never extend it.
var admitScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// RedisController keeps attempt counters in Redis so they survive hub
// restarts. The key expiry is the window.
type RedisController struct {
	logger      *zap.Logger
	client      redis.UniversalClient
	prefix      string
	maxAttempts int
	window      time.Duration
}

var _ Controller = (*RedisController)(nil)

// NewRedisController creates a Redis-backed controller
func NewRedisController(logger *zap.Logger, cfg config.AdmissionConfig) (*RedisController, error) {
	rc := cfg.Redis
	opts := &redis.UniversalOptions{
		Addrs:    utils.SplitList(rc.Addr),
		Username: rc.Username,
		Password: rc.Password,
	}
	if rc.ClusterType == cnst.RedisClusterTypeSentinel {
		opts.MasterName = rc.MasterName
	}
	if rc.ClusterType != cnst.RedisClusterTypeCluster {
		// can not set db in cluster mode
		opts.DB = rc.DB
	}
	client := redis.NewUniversalClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisController{
		logger:      logger.Named("admission.redis"),
		client:      client,
		prefix:      rc.Prefix,
		maxAttempts: cfg.MaxAttempts,
		window:      cfg.Window,
	}, nil
}

// Admit implements Controller.Admit
func (c *RedisController) Admit(ctx context.Context, origin string) (Decision, error) {
	key := c.prefix + ":" + origin

	res, err := admitScript.Run(ctx, c.client, []string{key}, c.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to count attempt for %s: %w", origin, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected admission script reply: %v", res)
	}

	count := int(res[0])
	resetIn := time.Duration(res[1]) * time.Millisecond
	if resetIn < 0 {
		resetIn = c.window
	}
	return Decision{
		Allowed: count <= c.maxAttempts,
		Count:   count,
		ResetIn: resetIn,
	}, nil
}

// Close implements Controller.Close
func (c *RedisController) Close() error {
	return c.client.Close()
}
