// Package store implements the backends that persist the remediation
// controller state as one JSON blob.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"k8s.io/client-go/kubernetes"

	"github.com/tinkerbelle-io/tb-recovery/internal/config"
	"github.com/tinkerbelle-io/tb-recovery/internal/remediation"
)

// Backend names accepted by New.
const (
	BackendConfigMap = "configmap"
	BackendBolt      = "bolt"
	BackendMemory    = "memory"
)

func encode(state *remediation.ControllerState) ([]byte, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*remediation.ControllerState, error) {
	state := remediation.NewControllerState()
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	state.Normalize()
	return state, nil
}

// MemoryStore keeps the encoded blob in memory. Load returns a fresh copy so
// callers never share records with the store.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load decodes the last saved state, or returns an empty one.
func (s *MemoryStore) Load(_ context.Context) (*remediation.ControllerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decode(s.data)
}

// Save replaces the stored blob.
func (s *MemoryStore) Save(_ context.Context, state *remediation.ControllerState) error {
	data, err := encode(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
	return nil
}

// Store is a remediation.StateStore that may hold resources to release.
type Store interface {
	remediation.StateStore
	Close() error
}

// New opens the backend named by cfg. clientset is only used by the
// configmap backend.
func New(cfg config.StoreConfig, clientset kubernetes.Interface) (Store, error) {
	switch cfg.Backend {
	case BackendConfigMap, "":
		if clientset == nil {
			return nil, fmt.Errorf("configmap store requires a kubernetes client")
		}
		return nopCloser{NewConfigMapStore(clientset, cfg.Namespace, cfg.Name)}, nil
	case BackendBolt:
		return NewBoltStore(cfg.Path)
	case BackendMemory:
		return nopCloser{NewMemoryStore()}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

type nopCloser struct {
	remediation.StateStore
}

func (nopCloser) Close() error { return nil }
