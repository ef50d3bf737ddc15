package protocol

type ControlKind string

const (
	KindFileOffer    ControlKind = "file-offer"
	KindFileAccept   ControlKind = "file-accept"
	KindFileDecline  ControlKind = "file-decline"
	KindFileMeta     ControlKind = "file-meta"
	KindFileComplete ControlKind = "file-complete"
	KindFileCancel   ControlKind = "file-cancel"
	KindTextMessage  ControlKind = "text-message"
	KindPing         ControlKind = "ping"
)

// Control is a tagged text frame on the data channel. Binary frames carry
// raw chunk bytes and have no tag; attribution relies on transfer state.
type Control interface {
	ControlKind() ControlKind
}

// FileOffer proposes a transfer. The receiver answers with FileAccept or
// FileDecline.
type FileOffer struct {
	Kind ControlKind `json:"kind"`
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Size int64       `json:"size"`
	Mime string      `json:"mime"`
}

func (FileOffer) ControlKind() ControlKind { return KindFileOffer }

type FileAccept struct {
	Kind ControlKind `json:"kind"`
	ID   string      `json:"id"`
}

func (FileAccept) ControlKind() ControlKind { return KindFileAccept }

type FileDecline struct {
	Kind   ControlKind `json:"kind"`
	ID     string      `json:"id"`
	Reason string      `json:"reason,omitempty"`
}

func (FileDecline) ControlKind() ControlKind { return KindFileDecline }

// FileMeta is the legacy offer shape from older senders. It carries the same
// fields as FileOffer but the sender starts streaming without waiting for an
// accept.
type FileMeta struct {
	Kind ControlKind `json:"kind"`
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Size int64       `json:"size"`
	Mime string      `json:"mime"`
}

func (FileMeta) ControlKind() ControlKind { return KindFileMeta }

type FileComplete struct {
	Kind ControlKind `json:"kind"`
	ID   string      `json:"id"`
}

func (FileComplete) ControlKind() ControlKind { return KindFileComplete }

type FileCancel struct {
	Kind   ControlKind `json:"kind"`
	ID     string      `json:"id"`
	Reason string      `json:"reason,omitempty"`
}

func (FileCancel) ControlKind() ControlKind { return KindFileCancel }

// TextMessage is the messaging sub-protocol. Delivery is fire-and-forget.
type TextMessage struct {
	Kind      ControlKind `json:"kind"`
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	Timestamp int64       `json:"timestamp"`
}

func (TextMessage) ControlKind() ControlKind { return KindTextMessage }

// Ping is a no-op keepalive.
type Ping struct {
	Kind ControlKind `json:"kind"`
}

func (Ping) ControlKind() ControlKind { return KindPing }

func NewFileOffer(id, name string, size int64, mime string) *FileOffer {
	return &FileOffer{Kind: KindFileOffer, ID: id, Name: name, Size: size, Mime: mime}
}

func NewFileAccept(id string) *FileAccept {
	return &FileAccept{Kind: KindFileAccept, ID: id}
}

func NewFileDecline(id, reason string) *FileDecline {
	return &FileDecline{Kind: KindFileDecline, ID: id, Reason: reason}
}

func NewFileComplete(id string) *FileComplete {
	return &FileComplete{Kind: KindFileComplete, ID: id}
}

func NewFileCancel(id, reason string) *FileCancel {
	return &FileCancel{Kind: KindFileCancel, ID: id, Reason: reason}
}

func NewTextMessage(id, text string, timestamp int64) *TextMessage {
	return &TextMessage{Kind: KindTextMessage, ID: id, Text: text, Timestamp: timestamp}
}

func NewPing() *Ping {
	return &Ping{Kind: KindPing}
}
