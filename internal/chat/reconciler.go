package chat

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yuyulabs/yuyu-client/internal/avatar"
	"github.com/yuyulabs/yuyu-client/internal/protocol"
	"github.com/yuyulabs/yuyu-client/internal/session"
)

// Channel is the transport surface the reconciler drives.
type Channel interface {
	Send(v any) bool
	On(kind protocol.Kind, h func(*protocol.Envelope)) (unsubscribe func())
	IsConnected() bool
}

// Playback is the speech playback surface.
type Playback interface {
	BeginGeneration()
	EnqueueOrdered(audioB64, format string, order int)
	Enqueue(audioB64, format string)
	GenerationComplete()
	StopAll()
}

// Capture is the microphone surface.
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	IsCapturing() bool
}

// Archive persists transcript entries. May be nil.
type Archive interface {
	AppendMessage(m session.Message) error
}

// Options configures a Reconciler.
type Options struct {
	Channel  Channel
	Player   Playback
	Recorder Capture
	Archive  Archive        // optional
	Runtime  avatar.Runtime // optional
	Notifier Notifier       // optional; defaults to logging
	Logger   zerolog.Logger

	Voice       string
	Speed       float64
	ASRProvider string
}

// Reconciler maps backend events onto local conversation state and exposes
// the user-initiated operations. All its subscriptions are released by Close.
type Reconciler struct {
	channel  Channel
	player   Playback
	recorder Capture
	archive  Archive
	runtime  avatar.Runtime
	notifier Notifier
	logger   zerolog.Logger

	mu       sync.Mutex
	userID   string
	messages []Message
	typing   bool

	recognizing bool
	staging     string
	committed   bool

	voice          string
	prevVoice      string
	speed          float64
	prevSpeed      float64
	asrProvider    string
	prevASR        string
	promptMode     int
	prevPromptMode int
	promptModeInfo string
	thinking       bool
	prevThinking   bool
	immersive      bool
	searchEnabled  bool
	searching      bool
	searchQuery    string
	pendingImage   string
	emotion        string
	status         Status

	unsubs []func()
}

// NewReconciler wires the reconciler into the channel's dispatch.
func NewReconciler(opts Options) *Reconciler {
	logger := opts.Logger.With().Str("component", "chat").Logger()
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	runtime := opts.Runtime
	if runtime == nil {
		runtime = avatar.NopRuntime{}
	}

	r := &Reconciler{
		channel:  opts.Channel,
		player:   opts.Player,
		recorder: opts.Recorder,
		archive:  opts.Archive,
		runtime:  runtime,
		notifier: notifier,
		logger:   logger,

		voice:       opts.Voice,
		prevVoice:   opts.Voice,
		speed:       opts.Speed,
		prevSpeed:   opts.Speed,
		asrProvider: opts.ASRProvider,
		prevASR:     opts.ASRProvider,
		status:      Status{LLM: "normal", TTS: "normal", ASR: "normal"},
	}
	r.subscribe()
	return r
}

func (r *Reconciler) subscribe() {
	on := func(kind protocol.Kind, h func(*protocol.Envelope)) {
		r.unsubs = append(r.unsubs, r.channel.On(kind, h))
	}

	on(protocol.KindGenerationStart, r.handleGenerationStart)
	on(protocol.KindGenerationChunk, r.handleGenerationChunk)
	on(protocol.KindGenerationEnd, r.handleGenerationEnd)

	on(protocol.KindTTSAudioChunk, r.handleTTSAudioChunk)
	on(protocol.KindTTSAudio, r.handleTTSAudio)
	on(protocol.KindTTSComplete, r.handleTTSComplete)

	on(protocol.KindASRStarted, r.handleASRStarted)
	on(protocol.KindASRResult, r.handleASRResult)
	on(protocol.KindASRStopped, r.handleASRStopped)
	on(protocol.KindASRError, r.handleASRError)
	on(protocol.KindASRChangeSuccess, r.handleASRChangeSuccess)
	on(protocol.KindASRChangeError, r.handleASRChangeError)

	on(protocol.KindVoiceChangeSuccess, r.handleVoiceChangeSuccess)
	on(protocol.KindVoiceChangeError, r.handleVoiceChangeError)
	on(protocol.KindSpeedChangeSuccess, r.handleSpeedChangeSuccess)
	on(protocol.KindSpeedChangeError, r.handleSpeedChangeError)

	on(protocol.KindPromptModeInfo, r.handlePromptModeInfo)
	on(protocol.KindPromptModeChangeSuccess, r.handlePromptModeInfo)
	on(protocol.KindPromptModeChangeError, r.handlePromptModeChangeError)

	on(protocol.KindSearchStart, r.handleSearchStart)
	on(protocol.KindSearchComplete, r.handleSearchComplete)
	on(protocol.KindSearchError, r.handleSearchError)

	on(protocol.KindThinkingToggled, r.handleThinkingToggled)
	on(protocol.KindThinkingError, r.handleThinkingError)

	on(protocol.KindInitSuccess, r.handleInitSuccess)
	on(protocol.KindRequestTTSSettings, r.handleRequestTTSSettings)
	on(protocol.KindProactiveChatResponse, r.handleProactiveChat)
	on(protocol.KindEmotionUpdate, r.handleEmotionUpdate)
	on(protocol.KindPerformanceUpdate, r.handlePerformanceUpdate)
	on(protocol.KindError, r.handleError)
}

// Close releases every subscription and stops any active capture.
func (r *Reconciler) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	if r.recorder != nil {
		r.recorder.Stop()
	}
}

// --- streaming text assembly ---

func (r *Reconciler) handleGenerationStart(*protocol.Envelope) {
	r.player.BeginGeneration()

	r.mu.Lock()
	r.messages = append(r.messages, Message{
		ID:        uuid.NewString(),
		Role:      RoleBot,
		CreatedAt: time.Now(),
	})
	r.typing = true
	r.status.LLM = "normal"
	r.mu.Unlock()
}

func (r *Reconciler) handleGenerationChunk(env *protocol.Envelope) {
	var msg protocol.GenerationChunk
	if err := env.Decode(&msg); err != nil || msg.Content == "" {
		return
	}

	r.mu.Lock()
	// Only grow the last message when it is the bot's; a user message may
	// have landed in between.
	if n := len(r.messages); n > 0 && r.messages[n-1].Role == RoleBot {
		r.messages[n-1].Content += msg.Content
	}
	r.mu.Unlock()
}

func (r *Reconciler) handleGenerationEnd(*protocol.Envelope) {
	r.mu.Lock()
	r.typing = false
	var last *Message
	if n := len(r.messages); n > 0 && r.messages[n-1].Role == RoleBot {
		m := r.messages[n-1]
		last = &m
	}
	r.mu.Unlock()

	if last != nil && last.Content != "" {
		r.persist(*last)
	}
}

// --- synthesized speech ---

func (r *Reconciler) handleTTSAudioChunk(env *protocol.Envelope) {
	var msg protocol.TTSAudioChunk
	if err := env.Decode(&msg); err != nil || msg.AudioData == "" {
		return
	}
	format := msg.Format
	if format == "" {
		format = "mp3"
	}

	r.mu.Lock()
	r.status.TTS = "normal"
	r.mu.Unlock()

	if msg.Order > 0 {
		r.player.EnqueueOrdered(msg.AudioData, format, msg.Order)
	} else {
		r.player.Enqueue(msg.AudioData, format)
	}
}

func (r *Reconciler) handleTTSAudio(env *protocol.Envelope) {
	var msg protocol.TTSAudio
	if err := env.Decode(&msg); err != nil || msg.AudioData == "" {
		return
	}
	format := msg.Format
	if format == "" {
		format = "mp3"
	}
	r.player.Enqueue(msg.AudioData, format)
}

func (r *Reconciler) handleTTSComplete(*protocol.Envelope) {
	r.player.GenerationComplete()
}

// NotifyPlaybackComplete tells the backend every queued chunk finished
// playing, so its silence detection may resume. Wired to the player's
// full-completion callback.
func (r *Reconciler) NotifyPlaybackComplete() {
	r.channel.Send(protocol.NewControl(protocol.KindAudioPlaybackComplete))
}

// --- speech recognition ---

func (r *Reconciler) handleASRStarted(*protocol.Envelope) {
	r.mu.Lock()
	r.recognizing = true
	r.staging = ""
	r.committed = false
	r.status.ASR = "normal"
	r.mu.Unlock()
}

func (r *Reconciler) handleASRResult(env *protocol.Envelope) {
	var msg protocol.ASRResult
	if err := env.Decode(&msg); err != nil {
		return
	}

	r.mu.Lock()
	if r.committed {
		// Results trailing in after the commit belong to a finished session.
		r.mu.Unlock()
		return
	}
	if text := strings.TrimSpace(msg.Text); text != "" && !lonePunctuation(text) {
		// Keep the best partial; providers sometimes emit a shorter
		// re-recognition before the full phrase.
		if len(text) > len(r.staging) {
			r.staging = text
		}
	}

	if !msg.IsFinal {
		r.mu.Unlock()
		return
	}
	r.committed = true
	text := strings.TrimSpace(msg.Text)
	if text == "" || lonePunctuation(text) {
		text = r.staging
	}
	r.staging = ""
	r.mu.Unlock()

	if text != "" {
		r.logger.Info().Str("text", text).Msg("Recognition committed")
		r.SendChat(text)
	}
}

func (r *Reconciler) handleASRStopped(*protocol.Envelope) {
	r.mu.Lock()
	r.recognizing = false
	r.mu.Unlock()
}

func (r *Reconciler) handleASRError(env *protocol.Envelope) {
	var msg protocol.ErrorMessage
	env.Decode(&msg)

	r.mu.Lock()
	r.recognizing = false
	r.status.ASR = "error"
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.Stop()
	}
	r.notifier.Toast(ToastError, "语音识别失败: "+msg.Error)
}

func (r *Reconciler) handleASRChangeSuccess(*protocol.Envelope) {
	r.mu.Lock()
	r.prevASR = r.asrProvider
	r.mu.Unlock()
	r.notifier.Toast(ToastSuccess, "语音识别引擎已切换")
}

func (r *Reconciler) handleASRChangeError(env *protocol.Envelope) {
	var msg protocol.ErrorMessage
	env.Decode(&msg)

	r.mu.Lock()
	r.asrProvider = r.prevASR
	r.mu.Unlock()
	r.notifier.Toast(ToastError, "切换语音识别引擎失败: "+msg.Error)
}

// --- voice / speed ---

func (r *Reconciler) handleVoiceChangeSuccess(*protocol.Envelope) {
	r.mu.Lock()
	r.prevVoice = r.voice
	r.mu.Unlock()
	r.notifier.Toast(ToastSuccess, "音色已切换")
}

func (r *Reconciler) handleVoiceChangeError(env *protocol.Envelope) {
	var msg protocol.ErrorMessage
	env.Decode(&msg)

	r.mu.Lock()
	r.voice = r.prevVoice
	r.mu.Unlock()
	r.notifier.Toast(ToastError, "切换音色失败: "+msg.Error)
}

func (r *Reconciler) handleSpeedChangeSuccess(*protocol.Envelope) {
	r.mu.Lock()
	r.prevSpeed = r.speed
	r.mu.Unlock()
	r.notifier.Toast(ToastSuccess, "语速已调整")
}

func (r *Reconciler) handleSpeedChangeError(env *protocol.Envelope) {
	var msg protocol.ErrorMessage
	env.Decode(&msg)

	r.mu.Lock()
	r.speed = r.prevSpeed
	r.mu.Unlock()
	r.notifier.Toast(ToastError, "调整语速失败: "+msg.Error)
}

// --- prompt mode ---

func (r *Reconciler) handlePromptModeInfo(env *protocol.Envelope) {
	var msg protocol.PromptModeInfo
	if err := env.Decode(&msg); err != nil {
		return
	}

	r.mu.Lock()
	r.promptMode = msg.Mode
	r.prevPromptMode = msg.Mode
	if msg.ModeInfo != "" {
		r.promptModeInfo = msg.ModeInfo
	}
	r.mu.Unlock()
}

func (r *Reconciler) handlePromptModeChangeError(env *protocol.Envelope) {
	var msg protocol.ErrorMessage
	env.Decode(&msg)

	r.mu.Lock()
	r.promptMode = r.prevPromptMode
	r.mu.Unlock()
	r.notifier.Toast(ToastError, "切换提示词模式失败: "+msg.Error)
}

// --- search ---

func (r *Reconciler) handleSearchStart(env *protocol.Envelope) {
	var msg protocol.SearchStart
	env.Decode(&msg)

	r.mu.Lock()
	r.searching = true
	r.searchQuery = msg.Query
	r.mu.Unlock()
}

func (r *Reconciler) handleSearchComplete(*protocol.Envelope) {
	r.mu.Lock()
	r.searching = false
	r.mu.Unlock()
}

func (r *Reconciler) handleSearchError(env *protocol.Envelope) {
	var msg protocol.ErrorMessage
	env.Decode(&msg)

	r.mu.Lock()
	r.searching = false
	r.mu.Unlock()
	r.notifier.Toast(ToastError, "搜索失败: "+msg.Error)
}

// --- thinking ---

func (r *Reconciler) handleThinkingToggled(env *protocol.Envelope) {
	var msg protocol.ThinkingToggled
	if err := env.Decode(&msg); err != nil {
		return
	}

	r.mu.Lock()
	r.thinking = msg.Enabled
	r.prevThinking = msg.Enabled
	r.mu.Unlock()

	if msg.Enabled {
		r.notifier.Toast(ToastSuccess, "思考模式已开启")
	} else {
		r.notifier.Toast(ToastSuccess, "思考模式已关闭")
	}
}

func (r *Reconciler) handleThinkingError(env *protocol.Envelope) {
	var msg protocol.ErrorMessage
	env.Decode(&msg)

	r.mu.Lock()
	r.thinking = r.prevThinking
	r.mu.Unlock()
	r.notifier.Toast(ToastError, "切换思考模式失败: "+msg.Error)
}

// --- lifecycle / misc ---

func (r *Reconciler) handleInitSuccess(env *protocol.Envelope) {
	var msg protocol.InitSuccess
	if err := env.Decode(&msg); err != nil {
		return
	}
	if msg.UserID == "" {
		return
	}

	r.mu.Lock()
	r.userID = msg.UserID
	r.mu.Unlock()
	r.logger.Info().Str("user_id", msg.UserID).Msg("Session initialized")
}

func (r *Reconciler) handleRequestTTSSettings(*protocol.Envelope) {
	r.mu.Lock()
	voice, speed := r.voice, r.speed
	r.mu.Unlock()

	r.channel.Send(protocol.SyncTTSSettings{
		Type:  protocol.KindSyncTTSSettings,
		Voice: voice,
		Speed: speed,
	})
}

func (r *Reconciler) handleProactiveChat(env *protocol.Envelope) {
	var msg protocol.ProactiveChatResponse
	if err := env.Decode(&msg); err != nil || msg.Message == "" {
		return
	}

	m := Message{
		ID:        uuid.NewString(),
		Role:      RoleBot,
		Content:   msg.Message,
		CreatedAt: time.Now(),
	}
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()

	r.persist(m)
	r.runtime.PlayMotion("TapBody", rand.Intn(3))
}

func (r *Reconciler) handleEmotionUpdate(env *protocol.Envelope) {
	var msg protocol.EmotionUpdate
	if err := env.Decode(&msg); err != nil || msg.Emotion == "" {
		return
	}

	r.mu.Lock()
	r.emotion = msg.Emotion
	r.mu.Unlock()

	if err := r.runtime.SetExpression(msg.Emotion); err != nil {
		r.logger.Debug().Err(err).Str("emotion", msg.Emotion).Msg("Expression not available")
	}
}

func (r *Reconciler) handlePerformanceUpdate(env *protocol.Envelope) {
	var msg protocol.PerformanceUpdate
	if err := env.Decode(&msg); err != nil {
		return
	}

	// Fields arrive incrementally; merge into the existing metrics.
	r.mu.Lock()
	if msg.LLMFirstTokenTime != "" {
		r.status.Metrics.LLMFirstToken = msg.LLMFirstTokenTime
	}
	if msg.TTSFirstPacketTime != "" {
		r.status.Metrics.TTSFirstPacket = msg.TTSFirstPacketTime
	}
	if msg.EndToEndTime != "" {
		r.status.Metrics.EndToEnd = msg.EndToEndTime
	}
	if msg.LLMStatus != "" {
		r.status.Metrics.LLMStage = msg.LLMStatus
	}
	if msg.TTSStatus != "" {
		r.status.Metrics.TTSStage = msg.TTSStatus
	}
	r.mu.Unlock()
}

func (r *Reconciler) handleError(env *protocol.Envelope) {
	var msg protocol.ErrorMessage
	env.Decode(&msg)

	r.mu.Lock()
	r.typing = false
	r.status.LLM = "error"
	r.mu.Unlock()
	r.notifier.Toast(ToastError, msg.Error)
}

// --- user operations ---

// SendChat sends one user turn. Any speech still playing is cut off first so
// a new reply never overlaps the tail of the previous one.
func (r *Reconciler) SendChat(content string) bool {
	content = strings.TrimSpace(content)
	if content == "" {
		return false
	}
	if !r.channel.IsConnected() {
		r.logger.Warn().Msg("Cannot send chat while disconnected")
		return false
	}

	r.player.StopAll()

	m := Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.messages = append(r.messages, m)
	userID := r.userID
	msg := protocol.NewChat(content, userID)
	if r.searchEnabled {
		msg.SearchQuery = content
	}
	if r.pendingImage != "" {
		msg.ImageURL = r.pendingImage
		r.pendingImage = ""
	}
	r.mu.Unlock()

	r.persist(m)
	return r.channel.Send(msg)
}

// AttachImage stages an uploaded image URL for the next chat message.
func (r *Reconciler) AttachImage(url string) {
	r.mu.Lock()
	r.pendingImage = url
	r.mu.Unlock()
}

// BreakSilence nudges the backend to speak first.
func (r *Reconciler) BreakSilence() {
	r.mu.Lock()
	userID := r.userID
	r.messages = append(r.messages, Message{
		ID:        uuid.NewString(),
		Role:      RoleSystem,
		Content:   "⚡ 已触发打破沉默",
		CreatedAt: time.Now(),
	})
	r.mu.Unlock()

	r.channel.Send(protocol.NewChat("用户没有回应，请打破沉默", userID))
}

// StartRecognition opens the microphone and starts server-side recognition.
func (r *Reconciler) StartRecognition(ctx context.Context) error {
	if err := r.recorder.Start(ctx); err != nil {
		return err
	}

	// Reset locally as well: a lost asr_started must not leave the previous
	// session's commit flag swallowing this session's results.
	r.mu.Lock()
	r.staging = ""
	r.committed = false
	r.mu.Unlock()

	r.channel.Send(protocol.NewControl(protocol.KindStartASR))
	return nil
}

// StopRecognition closes the microphone; the transcript commits when the
// final recognition result arrives.
func (r *Reconciler) StopRecognition() {
	r.recorder.Stop()
	r.channel.Send(protocol.NewControl(protocol.KindStopASR))
}

// ChangeVoice optimistically switches the TTS voice.
func (r *Reconciler) ChangeVoice(voice string) {
	r.mu.Lock()
	r.voice = voice
	r.mu.Unlock()
	r.channel.Send(protocol.ChangeVoice{Type: protocol.KindChangeVoice, Voice: voice})
}

// ChangeSpeed optimistically adjusts the TTS speed.
func (r *Reconciler) ChangeSpeed(speed float64) {
	r.mu.Lock()
	r.speed = speed
	r.mu.Unlock()
	r.channel.Send(protocol.ChangeSpeed{Type: protocol.KindChangeSpeed, Speed: speed})
}

// ChangeASRProvider optimistically switches the recognition engine.
func (r *Reconciler) ChangeASRProvider(provider string) {
	r.mu.Lock()
	r.asrProvider = provider
	r.mu.Unlock()
	r.channel.Send(protocol.ChangeASR{Type: protocol.KindChangeASR, ASRType: provider})
}

// ChangePromptMode optimistically switches the prompt mode.
func (r *Reconciler) ChangePromptMode(mode int) {
	r.mu.Lock()
	r.promptMode = mode
	r.mu.Unlock()
	r.channel.Send(protocol.ChangePromptMode{Type: protocol.KindChangePromptMode, Mode: mode})
}

// ToggleThinking optimistically flips the thinking stage.
func (r *Reconciler) ToggleThinking() {
	r.mu.Lock()
	r.thinking = !r.thinking
	enabled := r.thinking
	r.mu.Unlock()
	r.channel.Send(protocol.ToggleThinking{Type: protocol.KindToggleThinking, Enabled: enabled})
}

// SetSearchEnabled controls whether chat messages carry a search query.
func (r *Reconciler) SetSearchEnabled(enabled bool) {
	r.mu.Lock()
	r.searchEnabled = enabled
	r.mu.Unlock()
}

// ToggleImmersive flips the local immersive-view flag.
func (r *Reconciler) ToggleImmersive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.immersive = !r.immersive
	return r.immersive
}

// SetUserID records the identity used for outbound chat messages.
func (r *Reconciler) SetUserID(userID string) {
	r.mu.Lock()
	r.userID = userID
	r.mu.Unlock()
}

// --- state snapshots ---

// Messages returns a copy of the transcript.
func (r *Reconciler) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}

// Typing reports whether the bot is mid-generation.
func (r *Reconciler) Typing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing
}

// Recognizing reports whether a recognition session is active.
func (r *Reconciler) Recognizing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recognizing
}

// StagingText returns the best uncommitted recognition partial.
func (r *Reconciler) StagingText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.staging
}

// Settings returns a snapshot of the current toggles.
func (r *Reconciler) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Settings{
		Voice:          r.voice,
		Speed:          r.speed,
		ASRProvider:    r.asrProvider,
		PromptMode:     r.promptMode,
		PromptModeInfo: r.promptModeInfo,
		Thinking:       r.thinking,
		Immersive:      r.immersive,
	}
}

// Emotion returns the last reported emotion.
func (r *Reconciler) Emotion() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emotion
}

// SystemStatus returns the per-subsystem health snapshot.
func (r *Reconciler) SystemStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Reconciler) persist(m Message) {
	if r.archive == nil {
		return
	}
	err := r.archive.AppendMessage(session.Message{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to persist message")
	}
}

// lonePunctuation filters recognition partials that are a single punctuation
// mark, which some providers emit for silence.
func lonePunctuation(s string) bool {
	switch s {
	case "。", "，", "？", "！", ".", ",", "?", "!":
		return true
	}
	return false
}
