package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// TestDefinitionKey returns the cache key for a fetched test definition
func (r *CacheKeyStruct) TestDefinitionKey(testID string) string {
	return fmt.Sprintf("test:%s:definition", testID)
}

// AttemptSnapshotKey returns the cache key for an attempt's resumable state
func (r *CacheKeyStruct) AttemptSnapshotKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:snapshot", attemptID)
}

// UserActiveAttemptKey returns the cache key pointing at a user's live attempt for a test
func (r *CacheKeyStruct) UserActiveAttemptKey(userID, testID string) string {
	return fmt.Sprintf("user:%s:test:%s:active_attempt", userID, testID)
}

// AttemptEventsChannel returns the Redis PubSub channel name for an attempt's events
func (r *CacheKeyStruct) AttemptEventsChannel(attemptID string) string {
	return fmt.Sprintf("attempt:%s:events", attemptID)
}

var CacheKey = NewCacheKeyStruct()
