package wire

// Message types for the generation b/c request/response surface
// (specification §6.2). Field names follow the specification's IDL-neutral
// schema; JSON tags keep the wire representation stable independent of Go
// naming.

type ChatMessage struct {
	Username string `json:"username"`
	Text     string `json:"text"`
}

type Authentication struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type InitialRequest struct {
	Create bool           `json:"create"`
	User   Authentication `json:"user"`
}

type SentMessage struct {
	Message ChatMessage    `json:"message"`
	User    Authentication `json:"user"`
}

type Filter struct {
	Glob string `json:"glob"`
}

type Users struct {
	Usernames []string `json:"usernames"`
}

type ReceivedMessage struct {
	Message ChatMessage `json:"message"`
	Sent    string      `json:"sent,omitempty"`
}

type ReplicatedMessage struct {
	Message ChatMessage `json:"message"`
	From    string      `json:"from"`
	Sent    string      `json:"sent"`
}

type Peer struct {
	New     bool   `json:"new"`
	Address string `json:"address"`
}

type Peers struct {
	Peers []string `json:"peers"`
}

type Empty struct{}

// RPC kind names, used as the Frame.Kind header for the binary profile.
const (
	KindInitiate      = "Initiate"
	KindSendMessage   = "SendMessage"
	KindDeleteAccount = "DeleteAccount"
	KindListUsers     = "ListUsers"

	KindCluster    = "Cluster"
	KindFirehose   = "Firehose"
	KindUserUpdate = "UserUpdate"

	KindError = "Error"
)

// StatusError carries an RPC-style status code with a human-readable
// detail, mirroring generation b/c's "abort with status" error model
// (specification §7).
type StatusError struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
	// Kind names the RPC (one of the Kind* constants) that produced this
	// error, so a client with several requests in flight on one
	// connection can tell which one it belongs to even though the
	// enclosing Frame.Kind is always KindError.
	Kind string `json:"kind,omitempty"`
}

func (e *StatusError) Error() string {
	return e.Code + ": " + e.Detail
}

const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeAlreadyExists   = "ALREADY_EXISTS"
	CodeInternal        = "INTERNAL"
)
