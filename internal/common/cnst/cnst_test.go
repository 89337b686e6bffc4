package cnst

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigConstants(t *testing.T) {
	assert.Equal(t, "clinicpush.yaml", ServerYaml)
	assert.Equal(t, "X-Internal-Token", HeaderInternalToken)
}

func TestAdmissionTypes(t *testing.T) {
	assert.Equal(t, "memory", AdmissionTypeMemory.String())
	assert.Equal(t, "redis", AdmissionTypeRedis.String())
}

func TestRedisClusterTypeConstants(t *testing.T) {
	assert.Equal(t, "sentinel", RedisClusterTypeSentinel)
	assert.Equal(t, "cluster", RedisClusterTypeCluster)
	assert.Equal(t, "single", RedisClusterTypeSingle)
}
