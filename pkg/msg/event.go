package msg

type EventCode uint

const (
	// Client -> server. No payload.
	HeartbeatCode EventCode = 1000

	// Server -> client, once right after authentication.
	SnapshotCode EventCode = 1001

	// Server -> client, on every offline to online transition.
	UpdateCode EventCode = 1002

	// Server -> client, right before the server closes the connection.
	ErrorCode EventCode = 1003
)

// SnapshotEntry is the state of one actor at the time of a query. LastSeenAt
// is nil when the actor is offline.
type SnapshotEntry struct {
	ActorId    string  `json:"actorId"`
	Online     bool    `json:"online"`
	LastSeenAt *string `json:"lastSeenAt"`
}

type SnapshotServerEvent struct {
	Entries []SnapshotEntry `json:"entries"`
}

type UpdateServerEvent struct {
	ActorId    string  `json:"actorId"`
	Online     bool    `json:"online"`
	LastSeenAt *string `json:"lastSeenAt"`
}

type ErrorServerEvent struct {
	Reason string `json:"reason"`
}
