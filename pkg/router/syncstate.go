package router

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/google/uuid"

	"swarm/pkg/protocol"
)

// StateSyncer broadcasts shared-state updates with a version counter and a
// CRC32 checksum so receivers can detect drift without diffing payloads.
// Unchanged state is not re-broadcast.
type StateSyncer struct {
	router *Router

	mu       sync.Mutex
	versions map[string]int64
	sums     map[string]uint32
}

// NewStateSyncer creates a syncer publishing through r.
func NewStateSyncer(r *Router) *StateSyncer {
	return &StateSyncer{
		router:   r,
		versions: make(map[string]int64),
		sums:     make(map[string]uint32),
	}
}

// Sync publishes state under key if it changed since the last sync. owner
// identifies the agent that produced the update. Returns the version
// number now current for the key.
func (s *StateSyncer) Sync(ctx context.Context, key string, state any, owner string) (int64, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("sync %s: encode: %w", key, err)
	}
	sum := crc32.ChecksumIEEE(payload)

	s.mu.Lock()
	if prev, ok := s.sums[key]; ok && prev == sum {
		version := s.versions[key]
		s.mu.Unlock()
		return version, nil
	}
	s.versions[key]++
	version := s.versions[key]
	s.sums[key] = sum
	s.mu.Unlock()

	// The version is part of the dedup identity: re-broadcasts of one
	// version collapse, while a newer version always goes out.
	msg := protocol.Message{
		ID:      uuid.NewString(),
		Type:    protocol.MsgStateSync,
		Subject: "state." + key,
		AgentID: owner,
		JobID:   fmt.Sprintf("%s@v%d", key, version),
		Fields: map[string]string{
			"version":  fmt.Sprintf("%d", version),
			"checksum": fmt.Sprintf("%08x", sum),
			"state":    string(payload),
		},
		Timestamp: s.router.nowFunc(),
	}
	if err := s.router.Route(ctx, msg); err != nil {
		return version, fmt.Errorf("sync %s: %w", key, err)
	}
	s.router.emit(ctx, protocol.EventStateSynced, owner, key,
		fmt.Sprintf(`{"version":%d,"checksum":"%08x"}`, version, sum))
	return version, nil
}

// Verify reports whether a received checksum matches the local state for
// key. Receivers call this to detect divergence before applying updates.
func (s *StateSyncer) Verify(key string, state any) (bool, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("verify %s: encode: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.sums[key]
	return ok && prev == crc32.ChecksumIEEE(payload), nil
}

// Version returns the current version for key, zero if never synced.
func (s *StateSyncer) Version(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions[key]
}
