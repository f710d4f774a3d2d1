// Package kv provides the key-value sidecar backing the message bus: durable
// task and agent records with TTL, plus compare-and-swap for state
// transitions. A sqlite implementation persists across restarts; the memory
// implementation serves single-process and test deployments.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv store is closed")

// Store is the sidecar contract. Values are serialized records; the store
// never interprets them. Set with ttl <= 0 stores without expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSwap replaces the value only if the current value equals old.
	// A nil old means "key must not exist". Reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error

	// Keys returns all live keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// PurgeExpired drops expired entries and reports how many were removed.
	PurgeExpired(ctx context.Context) (int, error)

	Close() error
}

// Key layout used by the orchestrator.
func TaskKey(id string) string      { return "task:" + id }
func AgentKey(id string) string     { return "agent:" + id }
func QueueKey(agent string) string  { return "queue:" + agent }
func MetricKey(name string) string  { return "metrics:" + name }
func WorkflowKey(id string) string  { return "workflow:" + id }
func ExecutionKey(id string) string { return "execution:" + id }

const (
	// ProcessingKey holds the set of in-flight task ids.
	ProcessingKey = "processing"
	// DelayedKey holds the (task_id, visible_at) delayed set.
	DelayedKey = "delayed"
)
