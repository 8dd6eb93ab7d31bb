package engine

import (
	"crypto/sha256"
	"encoding/binary"
)

// ShouldUseNewVersion decides whether the given tenant receives the new
// version under the given status. Explicit overrides win over bucketing, and
// the bucketing hash is content-stable: the same tenant id and rollout name
// always map to the same bucket, across calls and across process restarts.
func ShouldUseNewVersion(tenantID string, status *Status) bool {
	if status == nil || !status.Enabled {
		return false
	}
	for _, t := range status.DisabledTenants {
		if t == tenantID {
			return false
		}
	}
	for _, t := range status.EnabledTenants {
		if t == tenantID {
			return true
		}
	}
	return tenantBucket(tenantID, status.Name) < status.Percentage
}

// tenantBucket produces a deterministic bucket in [0, 100) from the tenant id
// and rollout name, so the same tenant always lands in the same cohort for a
// given rollout.
func tenantBucket(tenantID, rolloutName string) float64 {
	h := sha256.Sum256([]byte(tenantID + ":" + rolloutName))
	n := binary.BigEndian.Uint32(h[:4])
	return float64(n % 100) // 0..99
}
