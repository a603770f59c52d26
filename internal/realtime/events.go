package realtime

import "encoding/json"

// Server event types handled by the session reader.
const (
	evSessionUpdated    = "session.updated"
	evSpeechStarted     = "input_audio_buffer.speech_started"
	evSpeechStopped     = "input_audio_buffer.speech_stopped"
	evAudioDelta        = "response.audio.delta"
	evTranscriptDone    = "response.audio_transcript.done"
	evFuncArgsDelta     = "response.function_call_arguments.delta"
	evFuncArgsDone      = "response.function_call_arguments.done"
	evResponseDone      = "response.done"
	evError             = "error"
	evInputCommitted    = "input_audio_buffer.committed"
	evResponseCreated   = "response.created"
	evConversationAdded = "conversation.item.created"
)

// serverEvent is the envelope for every message the Realtime API
// sends. Only the fields used by the handlers are modeled; the rest of
// the payload is ignored.
type serverEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	Delta      string `json:"delta"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Transcript string `json:"transcript"`
	ItemID     string `json:"item_id"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// turnDetection configures server-side VAD in session.update.
type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// sessionSettings is the body of the initial session.update.
type sessionSettings struct {
	Modalities        []string         `json:"modalities"`
	Voice             string           `json:"voice"`
	Instructions      string           `json:"instructions"`
	InputAudioFormat  string           `json:"input_audio_format"`
	OutputAudioFormat string           `json:"output_audio_format"`
	TurnDetection     turnDetection    `json:"turn_detection"`
	Tools             []map[string]any `json:"tools,omitempty"`
	ToolChoice        string           `json:"tool_choice,omitempty"`
}

type sessionUpdateEvent struct {
	Type    string          `json:"type"`
	Session sessionSettings `json:"session"`
}

type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// conversationItem carries a function_call_output back to the model.
type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type responseCreateEvent struct {
	Type string `json:"type"`
}

// toolCall accumulates streamed function-call arguments for one
// call_id. At most one is in flight per session.
type toolCall struct {
	callID string
	name   string
	args   []byte
}

func decodeServerEvent(data []byte) (*serverEvent, error) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
