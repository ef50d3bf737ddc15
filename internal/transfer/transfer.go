package transfer

type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusCanceled   Status = "canceled"
	StatusError      Status = "error"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusError
}

// Transfer is one file-sending operation. Both sides keep an independent
// copy keyed by the same id and agree on the terminal outcome via control
// frames, never inference.
type Transfer struct {
	ID        string
	PeerID    string
	PeerName  string
	FileName  string
	Mime      string
	Size      int64
	Direction Direction
	Bytes     int64
	Status    Status
	Error     string

	// declineReason is the peer's stated reason, surfaced through Error when
	// the transfer is marked canceled.
	declineReason string
}
