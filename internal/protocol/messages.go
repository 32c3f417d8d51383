// Package protocol defines the JSON messages exchanged with the Yuyu backend
// over the websocket channel. Every frame is a JSON object whose "type" field
// names the message kind.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a wire message type
type Kind string

// Outbound message kinds
const (
	KindInit                  Kind = "init"
	KindPing                  Kind = "ping"
	KindChat                  Kind = "chat"
	KindAudioChunk            Kind = "audio_chunk"
	KindStartASR              Kind = "start_asr"
	KindStopASR               Kind = "stop_asr"
	KindChangeVoice           Kind = "change_voice"
	KindChangeSpeed           Kind = "change_speed"
	KindChangeASR             Kind = "change_asr"
	KindChangePromptMode      Kind = "change_prompt_mode"
	KindToggleThinking        Kind = "toggle_thinking"
	KindAudioPlaybackComplete Kind = "audio_playback_complete"
	KindSyncTTSSettings       Kind = "sync_tts_settings"
)

// Inbound message kinds
const (
	KindGenerationStart         Kind = "generation_start"
	KindGenerationChunk         Kind = "generation_chunk"
	KindGenerationEnd           Kind = "generation_end"
	KindTTSAudioChunk           Kind = "tts_audio_chunk"
	KindTTSAudio                Kind = "tts_audio"
	KindTTSComplete             Kind = "tts_complete"
	KindPromptModeInfo          Kind = "prompt_mode_info"
	KindPromptModeChangeSuccess Kind = "prompt_mode_change_success"
	KindPromptModeChangeError   Kind = "prompt_mode_change_error"
	KindASRStarted              Kind = "asr_started"
	KindASRResult               Kind = "asr_result"
	KindASRStopped              Kind = "asr_stopped"
	KindASRError                Kind = "asr_error"
	KindASRChangeSuccess        Kind = "asr_change_success"
	KindASRChangeError          Kind = "asr_change_error"
	KindVoiceChangeSuccess      Kind = "voice_change_success"
	KindVoiceChangeError        Kind = "voice_change_error"
	KindSpeedChangeSuccess      Kind = "speed_change_success"
	KindSpeedChangeError        Kind = "speed_change_error"
	KindSearchStart             Kind = "search_start"
	KindSearchComplete          Kind = "search_complete"
	KindSearchError             Kind = "search_error"
	KindThinkingToggled         Kind = "thinking_toggled"
	KindThinkingError           Kind = "thinking_error"
	KindInitSuccess             Kind = "init_success"
	KindRequestTTSSettings      Kind = "request_tts_settings"
	KindProactiveChatResponse   Kind = "proactive_chat_response"
	KindEmotionUpdate           Kind = "emotion_update"
	KindPerformanceUpdate       Kind = "performance_update"
	KindError                   Kind = "error"
)

// Envelope is a received frame whose kind has been extracted but whose body
// has not yet been decoded into a concrete message struct.
type Envelope struct {
	Type Kind
	Raw  json.RawMessage
}

// DecodeEnvelope parses the kind out of a raw frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid message frame: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("message missing type field")
	}
	return &Envelope{Type: head.Type, Raw: data}, nil
}

// Decode unmarshals the envelope body into a concrete message struct.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Raw, v); err != nil {
		return fmt.Errorf("invalid %s message: %w", e.Type, err)
	}
	return nil
}

// Init announces the user after the socket opens.
type Init struct {
	Type   Kind   `json:"type"`
	UserID string `json:"user_id"`
}

// NewInit creates an init message
func NewInit(userID string) Init {
	return Init{Type: KindInit, UserID: userID}
}

// Ping is the heartbeat message.
type Ping struct {
	Type Kind `json:"type"`
}

// NewPing creates a heartbeat message
func NewPing() Ping {
	return Ping{Type: KindPing}
}

// Chat carries one user turn to the backend.
type Chat struct {
	Type        Kind   `json:"type"`
	Content     string `json:"content"`
	UserID      string `json:"user_id"`
	SearchQuery string `json:"search_query,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

// NewChat creates a chat message
func NewChat(content, userID string) Chat {
	return Chat{Type: KindChat, Content: content, UserID: userID}
}

// AudioChunk carries one captured microphone frame, base64-encoded PCM16.
type AudioChunk struct {
	Type      Kind   `json:"type"`
	AudioData string `json:"audio_data"`
}

// NewAudioChunk creates an outbound microphone frame message
func NewAudioChunk(audioBase64 string) AudioChunk {
	return AudioChunk{Type: KindAudioChunk, AudioData: audioBase64}
}

// Control is a bare control message with no body (start_asr, stop_asr,
// audio_playback_complete).
type Control struct {
	Type Kind `json:"type"`
}

// NewControl creates a bodyless control message
func NewControl(kind Kind) Control {
	return Control{Type: kind}
}

// ChangeVoice requests a TTS voice change.
type ChangeVoice struct {
	Type  Kind   `json:"type"`
	Voice string `json:"voice"`
}

// ChangeSpeed requests a TTS speed change.
type ChangeSpeed struct {
	Type  Kind    `json:"type"`
	Speed float64 `json:"speed"`
}

// ChangeASR requests an ASR provider change.
type ChangeASR struct {
	Type    Kind   `json:"type"`
	ASRType string `json:"asr_type"`
}

// ChangePromptMode requests a prompt mode change.
type ChangePromptMode struct {
	Type Kind `json:"type"`
	Mode int  `json:"mode"`
}

// ToggleThinking requests enabling/disabling the thinking stage.
type ToggleThinking struct {
	Type    Kind `json:"type"`
	Enabled bool `json:"enabled"`
}

// SyncTTSSettings pushes the locally configured voice/speed to the backend.
type SyncTTSSettings struct {
	Type  Kind    `json:"type"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

// GenerationChunk is one streamed text fragment of the bot reply.
type GenerationChunk struct {
	Type    Kind   `json:"type"`
	Content string `json:"content"`
}

// TTSAudioChunk is one sequenced unit of synthesized speech.
type TTSAudioChunk struct {
	Type      Kind   `json:"type"`
	AudioData string `json:"audio_data"`
	Format    string `json:"format"`
	Order     int    `json:"order"`
}

// TTSAudio is an unsequenced fallback unit of synthesized speech.
type TTSAudio struct {
	Type      Kind   `json:"type"`
	AudioData string `json:"audio_data"`
	Format    string `json:"format"`
}

// PromptModeInfo describes the active prompt mode.
type PromptModeInfo struct {
	Type     Kind   `json:"type"`
	Mode     int    `json:"mode"`
	ModeInfo string `json:"mode_info"`
}

// ASRResult is a streamed recognition result; IsFinal marks the commit point.
type ASRResult struct {
	Type    Kind   `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

// SearchStart announces a backend web search for the current turn.
type SearchStart struct {
	Type  Kind   `json:"type"`
	Query string `json:"query"`
}

// ThinkingToggled confirms the thinking stage toggle.
type ThinkingToggled struct {
	Type    Kind `json:"type"`
	Enabled bool `json:"enabled"`
}

// InitSuccess confirms the init handshake.
type InitSuccess struct {
	Type   Kind   `json:"type"`
	UserID string `json:"user_id"`
}

// ProactiveChatResponse is an unprompted bot message (silence breaking).
type ProactiveChatResponse struct {
	Type    Kind   `json:"type"`
	Message string `json:"message"`
}

// EmotionUpdate reports the emotion detected in the conversation.
type EmotionUpdate struct {
	Type    Kind   `json:"type"`
	Emotion string `json:"emotion"`
}

// PerformanceUpdate carries per-turn latency metrics. The backend sends the
// fields incrementally as the pipeline progresses; empty fields leave the
// previous value in place.
type PerformanceUpdate struct {
	Type               Kind   `json:"type"`
	LLMFirstTokenTime  string `json:"llmFirstTokenTime"`
	TTSFirstPacketTime string `json:"ttsFirstPacketTime"`
	EndToEndTime       string `json:"endToEndTime"`
	LLMStatus          string `json:"llmStatus"`
	TTSStatus          string `json:"ttsStatus"`
}

// ErrorMessage is the generic backend error event; the *_error kinds for a
// specific requested action decode into this as well.
type ErrorMessage struct {
	Type  Kind   `json:"type"`
	Error string `json:"error"`
}
