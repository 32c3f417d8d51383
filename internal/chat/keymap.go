package chat

import "context"

// Keymap translates keyboard shortcuts into reconciler operations: digits
// 0-5 switch the prompt mode, enter triggers break-silence, tab flips the
// immersive view, escape cuts off speech and recognition.
type Keymap struct {
	r *Reconciler
}

// NewKeymap creates a keymap over the reconciler.
func NewKeymap(r *Reconciler) *Keymap {
	return &Keymap{r: r}
}

// Handle dispatches one key press and reports whether it was consumed.
func (k *Keymap) Handle(key string) bool {
	switch key {
	case "0", "1", "2", "3", "4", "5":
		k.r.ChangePromptMode(int(key[0] - '0'))
		return true
	case "enter":
		k.r.BreakSilence()
		return true
	case "tab":
		k.r.ToggleImmersive()
		return true
	case "m":
		if k.r.Recognizing() || k.r.recorder.IsCapturing() {
			k.r.StopRecognition()
		} else if err := k.r.StartRecognition(context.Background()); err != nil {
			k.r.logger.Warn().Err(err).Msg("Cannot start recognition")
		}
		return true
	case "escape":
		k.r.player.StopAll()
		if k.r.recorder.IsCapturing() {
			k.r.StopRecognition()
		}
		return true
	}
	return false
}
