// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package tunnel

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/hashicorp/feedmux/agent/structs"
)

// DefaultSessionStoreSize is the number of parked guaranteed sessions a
// provider remembers.
const DefaultSessionStoreSize = 1024

// retained is a guaranteed message waiting for its acknowledgement.
type retained struct {
	msgID   uint64
	payload []byte
}

// session is the part of a guaranteed stream that outlives its channel.
type session struct {
	delivered uint64
	nextMsgID uint64
	unacked   []retained
}

// SessionStore parks the state of provider-side guaranteed streams while
// the consumer reconnects. It is shared by the provider channels of a
// reactor. The least recently parked sessions are dropped when full.
type SessionStore struct {
	cache *lru.Cache
}

func NewSessionStore(size int) (*SessionStore, error) {
	if size <= 0 {
		size = DefaultSessionStoreSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &SessionStore{cache: cache}, nil
}

func sessionKey(domain structs.DomainType, serviceID uint16, name string) string {
	return fmt.Sprintf("%d/%d/%s", domain, serviceID, name)
}

func (s *SessionStore) park(key string, sess *session) {
	s.cache.Add(key, sess)
}

// resume removes and returns a parked session.
func (s *SessionStore) resume(key string) (*session, bool) {
	raw, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	s.cache.Remove(key)
	return raw.(*session), true
}

func (s *SessionStore) forget(key string) {
	s.cache.Remove(key)
}

// Len returns the number of parked sessions.
func (s *SessionStore) Len() int {
	return s.cache.Len()
}
