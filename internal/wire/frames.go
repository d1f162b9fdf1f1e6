// Package wire defines the JSON frame types exchanged on the client
// WebSocket, and the error-code taxonomy carried in their metadata.
package wire

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Inbound frame types.
const (
	TypeStartConversation = "start_conversation"
	TypeUserMessage        = "user_message"
)

// Outbound frame types.
const (
	TypeConversationStarted = "conversation_started"
	TypeMessage              = "message"
	TypeError                = "error"
)

// Error codes carried in an error frame's metadata.error_code field.
const (
	ErrInvalidAPIKey        = "INVALID_API_KEY"
	ErrNoActiveConversation = "NO_ACTIVE_CONVERSATION"
	ErrMessageTooLong       = "MESSAGE_TOO_LONG"
	ErrConversationNotFound = "CONVERSATION_NOT_FOUND"
	ErrInternal             = "INTERNAL_ERROR"
)

// Emotion names recognised by the conversation engine. Unknown sentinel
// names degrade to Neutral.
const (
	EmotionNeutral     = "neutral"
	EmotionHappy       = "happy"
	EmotionExcited     = "excited"
	EmotionThoughtful  = "thoughtful"
	EmotionCurious     = "curious"
	EmotionConfident   = "confident"
	EmotionConcerned   = "concerned"
	EmotionEmpathetic  = "empathetic"
)

var knownEmotions = map[string]bool{
	EmotionNeutral: true, EmotionHappy: true, EmotionExcited: true,
	EmotionThoughtful: true, EmotionCurious: true, EmotionConfident: true,
	EmotionConcerned: true, EmotionEmpathetic: true,
}

// IsKnownEmotion reports whether name is one of the recognised emotion
// tags.
func IsKnownEmotion(name string) bool {
	return knownEmotions[name]
}

// Inbound is the raw shape of every client-to-server frame; the type
// field discriminates which of the optional fields apply.
type Inbound struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

// Metadata accompanies outbound message and error frames.
type Metadata struct {
	ConversationID string   `json:"conversation_id,omitempty"`
	Timestamp      string   `json:"timestamp,omitempty"`
	Sources        []string `json:"sources,omitempty"`
	ErrorCode      string   `json:"error_code,omitempty"`
}

// Outbound is the shape of every server-to-client frame.
type Outbound struct {
	Type     string    `json:"type"`
	Content  string    `json:"content,omitempty"`
	Emotion  string    `json:"emotion,omitempty"`
	ChunkID  string    `json:"chunk_id,omitempty"`
	IsFinal  bool      `json:"is_final,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`

	// ConversationID is only set on conversation_started frames.
	ConversationID string `json:"conversation_id,omitempty"`
}

// Marshal serializes f using the package's json-iterator codec.
func (f Outbound) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Unmarshal decodes raw into an Inbound frame.
func Unmarshal(raw []byte) (Inbound, error) {
	var in Inbound
	err := json.Unmarshal(raw, &in)
	return in, err
}
