// Package chat reconciles the stream of backend events into conversation
// state: the transcript, recognition progress, and the settings toggles.
package chat

import (
	"time"

	"github.com/rs/zerolog"
)

// Message roles in the transcript.
const (
	RoleUser   = "user"
	RoleBot    = "bot"
	RoleSystem = "system"
)

// Message is one transcript entry.
type Message struct {
	ID        string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Settings is a snapshot of the current toggles.
type Settings struct {
	Voice          string
	Speed          float64
	ASRProvider    string
	PromptMode     int
	PromptModeInfo string
	Thinking       bool
	Immersive      bool
}

// Status describes the health of the backend subsystems, fed by status
// events.
type Status struct {
	LLM     string
	TTS     string
	ASR     string
	Metrics Metrics
}

// Metrics holds the per-turn latency figures the backend reports while a
// reply is generated. Values are preformatted strings ("320ms").
type Metrics struct {
	LLMFirstToken  string
	TTSFirstPacket string
	EndToEnd       string
	LLMStage       string
	TTSStage       string
}

// Notifier surfaces user-facing notices (setting confirmations, failures).
type Notifier interface {
	Toast(level, text string)
}

// Toast levels.
const (
	ToastInfo    = "info"
	ToastSuccess = "success"
	ToastError   = "error"
)

// LogNotifier writes toasts to the log. Default when no UI is attached.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Toast(level, text string) {
	switch level {
	case ToastError:
		n.Logger.Warn().Str("toast", level).Msg(text)
	default:
		n.Logger.Info().Str("toast", level).Msg(text)
	}
}
