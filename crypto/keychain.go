package crypto

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/walletcore/storage"
)

const keychainStorageKey = "wc@2:core:1.0//keychain"

// KeyChain persists raw key material keyed by public identifier: private
// keys under their hex public key, symmetric keys under their topic, and
// the client identity seed under its reserved tag. It carries no protocol
// logic.
type KeyChain struct {
	kv storage.KeyValue

	mu   sync.RWMutex
	keys map[string]string
}

// NewKeyChain creates a keychain backed by kv and restores any persisted
// key material.
func NewKeyChain(kv storage.KeyValue) (*KeyChain, error) {
	kc := &KeyChain{
		kv:   kv,
		keys: make(map[string]string),
	}

	raw, found, err := kv.Get(keychainStorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to restore keychain: %w", err)
	}
	if found {
		if err := json.Unmarshal(raw, &kc.keys); err != nil {
			return nil, fmt.Errorf("failed to restore keychain: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "NewKeyChain",
			"keys":     len(kc.keys),
		}).Debug("keychain restored")
	}

	return kc, nil
}

// Set stores a key under tag and persists the keychain before returning.
func (kc *KeyChain) Set(tag, key string) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	kc.keys[tag] = key
	return kc.persistLocked()
}

// Get returns the key stored under tag, or ErrKeyNotFound.
func (kc *KeyChain) Get(tag string) (string, error) {
	kc.mu.RLock()
	defer kc.mu.RUnlock()

	key, ok := kc.keys[tag]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, tag)
	}
	return key, nil
}

// Has reports whether a key exists for tag.
func (kc *KeyChain) Has(tag string) bool {
	kc.mu.RLock()
	defer kc.mu.RUnlock()

	_, ok := kc.keys[tag]
	return ok
}

// Delete removes the key stored under tag. Deleting a missing tag is a
// no-op.
func (kc *KeyChain) Delete(tag string) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()

	if _, ok := kc.keys[tag]; !ok {
		return nil
	}
	delete(kc.keys, tag)
	return kc.persistLocked()
}

func (kc *KeyChain) persistLocked() error {
	raw, err := json.Marshal(kc.keys)
	if err != nil {
		return fmt.Errorf("failed to persist keychain: %w", err)
	}
	if err := kc.kv.Set(keychainStorageKey, raw); err != nil {
		return fmt.Errorf("failed to persist keychain: %w", err)
	}
	return nil
}
