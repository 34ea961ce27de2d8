package sharding

import (
	"fmt"
	"hash/crc32"
)

// ShardCount is the fixed number of partitions for the system.
// We use 1024 as per the architectural constraints.
const ShardCount = 1024

// GetShardID calculates the deterministic shard ID for a given scope ID.
func GetShardID(scopeID string) int {
	checksum := crc32.ChecksumIEEE([]byte(scopeID))
	return int(checksum % ShardCount)
}

// GetSubject returns the NATS subject for a given scope type and ID.
// Format: app.command.{shard_id}.{scope_type}.{scope_id}
func GetSubject(scopeType, scopeID string) string {
	shardID := GetShardID(scopeID)
	return fmt.Sprintf("app.command.%d.%s.%s", shardID, scopeType, scopeID)
}
