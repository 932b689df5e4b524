package message

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// ReconciliationStore maps local message identifiers to server-assigned ones
// and back, so UI lists keep a stable key across the identifier swap. No
// other component should construct a list key directly.
type ReconciliationStore struct {
	mu            sync.RWMutex
	localToServer map[string]string
	serverToLocal map[string]string
}

// NewReconciliationStore creates an empty reconciliation store.
func NewReconciliationStore() *ReconciliationStore {
	return &ReconciliationStore{
		localToServer: make(map[string]string),
		serverToLocal: make(map[string]string),
	}
}

// Adopt records that the server assigned serverID to the message previously
// known by localID. A local identifier is never reused once superseded.
func (s *ReconciliationStore) Adopt(localID, serverID string) {
	if localID == "" || serverID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.localToServer[localID] = serverID
	s.serverToLocal[serverID] = localID

	logrus.WithFields(logrus.Fields{
		"function":  "Adopt",
		"local_id":  localID,
		"server_id": serverID,
	}).Debug("Adopted server identifier")
}

// ResolveKey returns the stable UI list key for a message: the local
// identifier when still present, the original local identifier when the
// message has already adopted its server ID, otherwise the server ID itself
// (messages that never had a local phase, such as inbound ones).
func (s *ReconciliationStore) ResolveKey(msg *Message) string {
	if msg == nil {
		return ""
	}
	if msg.LocalID != "" {
		return msg.LocalID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if localID, ok := s.serverToLocal[msg.ID]; ok {
		return localID
	}
	return msg.ID
}

// ServerID returns the server identifier adopted for localID, if any.
func (s *ReconciliationStore) ServerID(localID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	serverID, ok := s.localToServer[localID]
	return serverID, ok
}

// LocalID returns the local identifier that serverID superseded, if any.
func (s *ReconciliationStore) LocalID(serverID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	localID, ok := s.serverToLocal[serverID]
	return localID, ok
}
