package typing

import "github.com/Alexander-D-Karpov/chatcore/internal/messaging"

func (m *Manager) repoEntry(ref messaging.ConversationRef, userID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, _ := m.repo.get(ref, userID)
	return e
}
