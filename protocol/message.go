package protocol

// Client-to-server actions.
const (
	ActionOp       = "crdt_op"
	ActionBatch    = "crdt_batch"
	ActionCursor   = "cursor_move"
	ActionSnapshot = "snapshot_request"
	ActionSync     = "sync_request"
	ActionPing     = "ping"
)

// ClientMessage is the envelope for every frame a client sends. Action
// selects which of the optional fields are meaningful.
type ClientMessage struct {
	Action       string      `json:"action"`
	Op           *Operation  `json:"op,omitempty"`
	Ops          []Operation `json:"ops,omitempty"`
	X            float64     `json:"x,omitempty"`
	Y            float64     `json:"y,omitempty"`
	SinceVersion int64       `json:"since_version,omitempty"`
}

// Server-to-client message types.
const (
	TypeOps          = "crdt_ops"
	TypeSnapshot     = "snapshot"
	TypeStateVector  = "state_vector"
	TypeCursorUpdate = "cursor_update"
	TypeUserJoined   = "user_joined"
	TypeUserLeft     = "user_left"
	TypePresence     = "presence_update"
	TypePong         = "pong"
)

// ServerMessage is the envelope for every frame the server sends. A
// snapshot is structurally just a large crdt_ops batch, so both reuse the
// Ops and Version fields and clients consume them through one path.
// Unknown types must be ignored by receivers.
type ServerMessage struct {
	Type     string      `json:"type"`
	Ops      []Operation `json:"ops,omitempty"`
	Version  int64       `json:"version"`
	Origin   string      `json:"origin,omitempty"`
	UserID   int64       `json:"user_id,omitempty"`
	Username string      `json:"username,omitempty"`
	Status   string      `json:"status,omitempty"`
	Color    string      `json:"color,omitempty"`
	X        float64     `json:"x,omitempty"`
	Y        float64     `json:"y,omitempty"`
}
