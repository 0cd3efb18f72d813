// Package credentials resolves the worker credentials declared in the
// configuration.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mojtabashariatzade/adder-repo-sub001/internal/config"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/domain/worker"
)

// ErrNotFound is returned for an unknown credential key.
var ErrNotFound = errors.New("credential not found")

// Store gives access to credentials by key.
type Store interface {
	GetCredential(key string) (worker.Credential, error)
	All() []worker.Credential
}

// MemoryStore is a Store built once from configuration.
type MemoryStore struct {
	byKey map[string]worker.Credential
}

// LookupFunc resolves environment references. os.LookupEnv in production.
type LookupFunc func(name string) (string, bool)

// FromConfig builds a MemoryStore, expanding ${NAME} references in payload
// values. A reference to an unset variable is an error, as is a duplicated key.
func FromConfig(entries []config.CredentialConfig, lookup LookupFunc) (*MemoryStore, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	s := &MemoryStore{byKey: make(map[string]worker.Credential, len(entries))}
	for _, e := range entries {
		if e.Key == "" {
			return nil, errors.New("credential without key")
		}
		if _, dup := s.byKey[e.Key]; dup {
			return nil, fmt.Errorf("duplicate credential key %q", e.Key)
		}

		payload := make(map[string]string, len(e.Payload))
		for k, v := range e.Payload {
			var missing []string
			payload[k] = os.Expand(v, func(name string) string {
				val, ok := lookup(name)
				if !ok {
					missing = append(missing, name)
				}
				return val
			})
			if len(missing) > 0 {
				return nil, fmt.Errorf("credential %q: unset environment variables %s", e.Key, strings.Join(missing, ", "))
			}
		}

		handle := e.Handle
		if handle == "" {
			handle = e.Key
		}
		s.byKey[e.Key] = worker.Credential{Key: e.Key, Handle: handle, Payload: payload}
	}
	return s, nil
}

// GetCredential returns the credential stored under key.
func (s *MemoryStore) GetCredential(key string) (worker.Credential, error) {
	c, ok := s.byKey[key]
	if !ok {
		return worker.Credential{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return c, nil
}

// All returns every credential ordered by key.
func (s *MemoryStore) All() []worker.Credential {
	out := make([]worker.Credential, 0, len(s.byKey))
	for _, c := range s.byKey {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
