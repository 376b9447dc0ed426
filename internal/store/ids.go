package store

// IDTable maps server-assigned message ids to the local ids minted on
// optimistic insert. Messages are always keyed by local id; the table lets
// late references using either phase resolve to the same message.
type IDTable struct {
	serverToLocal map[string]string
	localToServer map[string]string
}

func NewIDTable() *IDTable {
	return &IDTable{
		serverToLocal: make(map[string]string),
		localToServer: make(map[string]string),
	}
}

func (t *IDTable) Bind(localID, serverID string) {
	t.serverToLocal[serverID] = localID
	t.localToServer[localID] = serverID
}

func (t *IDTable) Local(serverID string) (string, bool) {
	id, ok := t.serverToLocal[serverID]
	return id, ok
}

func (t *IDTable) Server(localID string) (string, bool) {
	id, ok := t.localToServer[localID]
	return id, ok
}

func (t *IDTable) Forget(localID string) {
	if serverID, ok := t.localToServer[localID]; ok {
		delete(t.serverToLocal, serverID)
	}
	delete(t.localToServer, localID)
}

func (t *IDTable) Len() int {
	return len(t.serverToLocal)
}
