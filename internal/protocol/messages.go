package protocol

// ParticipantID is assigned by the server when a client joins. Zero means
// the client has not been told its identity yet.
type ParticipantID uint16

// Kind is the tag of a wire frame.
type Kind string

const (
	// Sent by clients.
	KindHello     Kind = "Hello"
	KindGetState  Kind = "GetState"
	KindSendState Kind = "SendState"

	// Sent by both sides. Server copies carry the origin uid.
	KindSeek  Kind = "Seek"
	KindPlay  Kind = "Play"
	KindPause Kind = "Pause"

	// Sent by the server.
	KindWelcome   Kind = "Welcome"
	KindFullState Kind = "FullState"
	KindError     Kind = "Error"
)

// Message is the decoded form of every frame exchanged with the server.
// Which fields are meaningful depends on Kind.
type Message struct {
	Kind    Kind
	Time    float64
	Playing bool
	Origin  ParticipantID
	Error   *ErrorPayload
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// payload is the body of a tagged object frame such as {"Seek":{"time":10}}.
type payload struct {
	Time    *float64       `json:"time,omitempty"`
	Playing *bool          `json:"playing,omitempty"`
	UID     *ParticipantID `json:"uid,omitempty"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
}

func Hello() Message    { return Message{Kind: KindHello} }
func GetState() Message { return Message{Kind: KindGetState} }

func Seek(t float64) Message  { return Message{Kind: KindSeek, Time: t} }
func Play(t float64) Message  { return Message{Kind: KindPlay, Time: t} }
func Pause(t float64) Message { return Message{Kind: KindPause, Time: t} }

func SendState(t float64, playing bool) Message {
	return Message{Kind: KindSendState, Time: t, Playing: playing}
}

func Welcome(id ParticipantID) Message {
	return Message{Kind: KindWelcome, Origin: id}
}

func FullState(t float64, playing bool) Message {
	return Message{Kind: KindFullState, Time: t, Playing: playing}
}

func Failure(code, message string) Message {
	return Message{Kind: KindError, Error: &ErrorPayload{Code: code, Message: message}}
}

// From returns a copy of a command stamped with the participant it came from.
func (m Message) From(origin ParticipantID) Message {
	m.Origin = origin
	return m
}

// IsCommand reports whether m is a seek, play or pause.
func (m Message) IsCommand() bool {
	switch m.Kind {
	case KindSeek, KindPlay, KindPause:
		return true
	}
	return false
}
