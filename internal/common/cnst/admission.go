package cnst

// AdmissionType selects the backend that keeps per-origin attempt counters
type AdmissionType string

const (
	AdmissionTypeMemory AdmissionType = "memory"
	AdmissionTypeRedis  AdmissionType = "redis"
)

func (t AdmissionType) String() string {
	return string(t)
}

const (
	RedisClusterTypeSingle   = "single"
	RedisClusterTypeCluster  = "cluster"
	RedisClusterTypeSentinel = "sentinel"
)
