package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuyulabs/yuyu-client/internal/protocol"
	"github.com/yuyulabs/yuyu-client/internal/session"
)

type fakeChannel struct {
	mu        sync.Mutex
	sent      []any
	handlers  map[protocol.Kind][]func(*protocol.Envelope)
	connected bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[protocol.Kind][]func(*protocol.Envelope)), connected: true}
}

func (f *fakeChannel) Send(v any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
	return true
}

func (f *fakeChannel) On(kind protocol.Kind, h func(*protocol.Envelope)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[kind] = append(f.handlers[kind], h)
	idx := len(f.handlers[kind]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[kind][idx] = nil
	}
}

func (f *fakeChannel) IsConnected() bool { return f.connected }

// emit injects one raw inbound frame, dispatching like the real channel.
func (f *fakeChannel) emit(t *testing.T, raw string) {
	t.Helper()
	env, err := protocol.DecodeEnvelope([]byte(raw))
	require.NoError(t, err)

	f.mu.Lock()
	hs := append([]func(*protocol.Envelope){}, f.handlers[env.Type]...)
	f.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(env)
		}
	}
}

func (f *fakeChannel) sentMessages() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeChannel) sentChats() []protocol.Chat {
	var out []protocol.Chat
	for _, v := range f.sentMessages() {
		if c, ok := v.(protocol.Chat); ok {
			out = append(out, c)
		}
	}
	return out
}

type fakePlayer struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePlayer) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePlayer) BeginGeneration() { p.record("begin") }
func (p *fakePlayer) EnqueueOrdered(_, format string, order int) {
	p.record(fmt.Sprintf("ordered:%s:%d", format, order))
}
func (p *fakePlayer) Enqueue(_, format string) { p.record("enqueue:" + format) }
func (p *fakePlayer) GenerationComplete()      { p.record("complete") }
func (p *fakePlayer) StopAll()                 { p.record("stop") }

func (p *fakePlayer) recorded() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

type fakeCapture struct {
	mu       sync.Mutex
	running  bool
	stops    int
	startErr error
}

func (c *fakeCapture) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	return nil
}

func (c *fakeCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	c.stops++
}

func (c *fakeCapture) IsCapturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

type fakeArchive struct {
	mu   sync.Mutex
	msgs []session.Message
}

func (a *fakeArchive) AppendMessage(m session.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, m)
	return nil
}

func (a *fakeArchive) stored() []session.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]session.Message, len(a.msgs))
	copy(out, a.msgs)
	return out
}

type fakeRuntime struct {
	mu          sync.Mutex
	motions     []string
	expressions []string
}

func (r *fakeRuntime) SetParam(string, float64) {}
func (r *fakeRuntime) PlayMotion(group string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.motions = append(r.motions, group)
	return nil
}
func (r *fakeRuntime) SetExpression(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expressions = append(r.expressions, name)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	toasts []string
}

func (n *fakeNotifier) Toast(level, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts = append(n.toasts, level+":"+text)
}

func (n *fakeNotifier) count(level string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, toast := range n.toasts {
		if len(toast) >= len(level) && toast[:len(level)] == level {
			c++
		}
	}
	return c
}

type fixture struct {
	channel  *fakeChannel
	player   *fakePlayer
	capture  *fakeCapture
	archive  *fakeArchive
	runtime  *fakeRuntime
	notifier *fakeNotifier
	r        *Reconciler
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		channel:  newFakeChannel(),
		player:   &fakePlayer{},
		capture:  &fakeCapture{},
		archive:  &fakeArchive{},
		runtime:  &fakeRuntime{},
		notifier: &fakeNotifier{},
	}
	f.r = NewReconciler(Options{
		Channel:     f.channel,
		Player:      f.player,
		Recorder:    f.capture,
		Archive:     f.archive,
		Runtime:     f.runtime,
		Notifier:    f.notifier,
		Logger:      zerolog.Nop(),
		Voice:       "voice_a",
		Speed:       1.2,
		ASRProvider: "xfyun",
	})
	f.r.SetUserID("u1")
	t.Cleanup(f.r.Close)
	return f
}

func TestStreamingTextAssembly(t *testing.T) {
	f := newFixture(t)

	f.channel.emit(t, `{"type":"generation_start"}`)
	assert.True(t, f.r.Typing())

	f.channel.emit(t, `{"type":"generation_chunk","content":"Hel"}`)
	f.channel.emit(t, `{"type":"generation_chunk","content":"lo"}`)
	f.channel.emit(t, `{"type":"generation_end"}`)

	assert.False(t, f.r.Typing())
	msgs := f.r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleBot, msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)

	stored := f.archive.stored()
	require.Len(t, stored, 1)
	assert.Equal(t, "Hello", stored[0].Content)
}

func TestChunkOnlyGrowsTrailingBotMessage(t *testing.T) {
	f := newFixture(t)

	f.channel.emit(t, `{"type":"generation_start"}`)
	f.channel.emit(t, `{"type":"generation_chunk","content":"partial"}`)

	// A user message lands mid-generation; later chunks must not touch it.
	require.True(t, f.r.SendChat("wait"))
	f.channel.emit(t, `{"type":"generation_chunk","content":" more"}`)

	msgs := f.r.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[0].Content)
	assert.Equal(t, "wait", msgs[1].Content)
}

func TestASRCommitHappensExactlyOnce(t *testing.T) {
	f := newFixture(t)

	f.channel.emit(t, `{"type":"asr_started"}`)
	assert.True(t, f.r.Recognizing())

	f.channel.emit(t, `{"type":"asr_result","text":"a","is_final":false}`)
	f.channel.emit(t, `{"type":"asr_result","text":"ab","is_final":false}`)
	assert.Equal(t, "ab", f.r.StagingText())

	// The final signal carries no text; the staged partial commits instead.
	f.channel.emit(t, `{"type":"asr_result","text":"","is_final":true}`)
	f.channel.emit(t, `{"type":"asr_result","text":"ab","is_final":true}`)

	chats := f.channel.sentChats()
	require.Len(t, chats, 1)
	assert.Equal(t, "ab", chats[0].Content)
	assert.Equal(t, "u1", chats[0].UserID)
	assert.Empty(t, f.r.StagingText())
}

func TestASRIgnoresLonePunctuation(t *testing.T) {
	f := newFixture(t)

	f.channel.emit(t, `{"type":"asr_started"}`)
	f.channel.emit(t, `{"type":"asr_result","text":"你好","is_final":false}`)
	f.channel.emit(t, `{"type":"asr_result","text":"。","is_final":false}`)
	assert.Equal(t, "你好", f.r.StagingText())

	f.channel.emit(t, `{"type":"asr_result","text":"。","is_final":true}`)
	chats := f.channel.sentChats()
	require.Len(t, chats, 1)
	assert.Equal(t, "你好", chats[0].Content)
}

func TestStartRecognitionResetsCommitState(t *testing.T) {
	f := newFixture(t)

	f.channel.emit(t, `{"type":"asr_started"}`)
	f.channel.emit(t, `{"type":"asr_result","text":"第一句","is_final":true}`)
	require.Len(t, f.channel.sentChats(), 1)

	// The confirmation event for the second session gets lost; results must
	// still commit because starting the capture reset the state locally.
	require.NoError(t, f.r.StartRecognition(context.Background()))
	f.channel.emit(t, `{"type":"asr_result","text":"第二句","is_final":true}`)

	chats := f.channel.sentChats()
	require.Len(t, chats, 2)
	assert.Equal(t, "第二句", chats[1].Content)
}

func TestASRErrorStopsCapture(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.r.StartRecognition(context.Background()))
	f.channel.emit(t, `{"type":"asr_error","error":"engine down"}`)

	assert.False(t, f.r.Recognizing())
	assert.False(t, f.capture.IsCapturing())
	assert.Equal(t, 1, f.notifier.count(ToastError))
	assert.Equal(t, "error", f.r.SystemStatus().ASR)
}

func TestVoiceChangeRollsBackOnError(t *testing.T) {
	f := newFixture(t)

	f.r.ChangeVoice("voice_b")
	assert.Equal(t, "voice_b", f.r.Settings().Voice)

	f.channel.emit(t, `{"type":"voice_change_error","error":"unknown voice"}`)
	assert.Equal(t, "voice_a", f.r.Settings().Voice)
	assert.Equal(t, 1, f.notifier.count(ToastError))
}

func TestVoiceChangeConfirmBecomesNewBaseline(t *testing.T) {
	f := newFixture(t)

	f.r.ChangeVoice("voice_b")
	f.channel.emit(t, `{"type":"voice_change_success"}`)

	// A later failure rolls back to the confirmed voice, not the original.
	f.r.ChangeVoice("voice_c")
	f.channel.emit(t, `{"type":"voice_change_error","error":"nope"}`)
	assert.Equal(t, "voice_b", f.r.Settings().Voice)
}

func TestSpeedChangeRollsBackOnError(t *testing.T) {
	f := newFixture(t)

	f.r.ChangeSpeed(1.5)
	f.channel.emit(t, `{"type":"speed_change_error","error":"out of range"}`)
	assert.Equal(t, 1.2, f.r.Settings().Speed)
}

func TestThinkingToggleConfirmAndRollback(t *testing.T) {
	f := newFixture(t)

	f.r.ToggleThinking()
	assert.True(t, f.r.Settings().Thinking)
	f.channel.emit(t, `{"type":"thinking_error","error":"not supported"}`)
	assert.False(t, f.r.Settings().Thinking)

	f.r.ToggleThinking()
	f.channel.emit(t, `{"type":"thinking_toggled","enabled":true}`)
	assert.True(t, f.r.Settings().Thinking)
}

func TestPromptModeInfoAndRollback(t *testing.T) {
	f := newFixture(t)

	f.channel.emit(t, `{"type":"prompt_mode_info","mode":2,"mode_info":"情感模式"}`)
	s := f.r.Settings()
	assert.Equal(t, 2, s.PromptMode)
	assert.Equal(t, "情感模式", s.PromptModeInfo)

	f.r.ChangePromptMode(5)
	assert.Equal(t, 5, f.r.Settings().PromptMode)
	f.channel.emit(t, `{"type":"prompt_mode_change_error","error":"bad mode"}`)
	assert.Equal(t, 2, f.r.Settings().PromptMode)
}

func TestTTSRouting(t *testing.T) {
	f := newFixture(t)

	f.channel.emit(t, `{"type":"generation_start"}`)
	f.channel.emit(t, `{"type":"tts_audio_chunk","audio_data":"QUJD","format":"wav","order":1}`)
	f.channel.emit(t, `{"type":"tts_audio_chunk","audio_data":"QUJD","order":2}`)
	f.channel.emit(t, `{"type":"tts_audio","audio_data":"QUJD"}`)
	f.channel.emit(t, `{"type":"tts_complete"}`)

	assert.Equal(t, []string{
		"begin",
		"ordered:wav:1",
		"ordered:mp3:2",
		"enqueue:mp3",
		"complete",
	}, f.player.recorded())
}

func TestBargeInPrecedesSend(t *testing.T) {
	f := newFixture(t)

	require.True(t, f.r.SendChat("打断一下"))
	assert.Equal(t, []string{"stop"}, f.player.recorded())

	chats := f.channel.sentChats()
	require.Len(t, chats, 1)
	assert.Equal(t, "打断一下", chats[0].Content)
}

func TestSendChatCarriesSearchAndImage(t *testing.T) {
	f := newFixture(t)

	f.r.SetSearchEnabled(true)
	f.r.AttachImage("http://files/cat.png")
	require.True(t, f.r.SendChat("这是什么"))

	chats := f.channel.sentChats()
	require.Len(t, chats, 1)
	assert.Equal(t, "这是什么", chats[0].SearchQuery)
	assert.Equal(t, "http://files/cat.png", chats[0].ImageURL)

	// The staged image is consumed by the send.
	require.True(t, f.r.SendChat("再说一次"))
	assert.Empty(t, f.channel.sentChats()[1].ImageURL)
}

func TestSendChatRejectsEmptyAndDisconnected(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.r.SendChat("   "))
	f.channel.connected = false
	assert.False(t, f.r.SendChat("hello"))
	assert.Empty(t, f.channel.sentChats())
}

func TestRequestTTSSettingsSyncsBack(t *testing.T) {
	f := newFixture(t)

	f.channel.emit(t, `{"type":"request_tts_settings"}`)

	msgs := f.channel.sentMessages()
	require.Len(t, msgs, 1)
	settings, ok := msgs[0].(protocol.SyncTTSSettings)
	require.True(t, ok)
	assert.Equal(t, "voice_a", settings.Voice)
	assert.Equal(t, 1.2, settings.Speed)
}

func TestProactiveChatAppendsAndAnimates(t *testing.T) {
	f := newFixture(t)

	f.channel.emit(t, `{"type":"proactive_chat_response","message":"还在吗？"}`)

	msgs := f.r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleBot, msgs[0].Role)
	assert.Equal(t, "还在吗？", msgs[0].Content)
	require.Len(t, f.archive.stored(), 1)

	f.runtime.mu.Lock()
	defer f.runtime.mu.Unlock()
	assert.Equal(t, []string{"TapBody"}, f.runtime.motions)
}

func TestEmotionUpdateDrivesExpression(t *testing.T) {
	f := newFixture(t)

	f.channel.emit(t, `{"type":"emotion_update","emotion":"happy"}`)
	assert.Equal(t, "happy", f.r.Emotion())

	f.runtime.mu.Lock()
	defer f.runtime.mu.Unlock()
	assert.Equal(t, []string{"happy"}, f.runtime.expressions)
}

func TestInitSuccessAdoptsUserID(t *testing.T) {
	f := newFixture(t)

	f.channel.emit(t, `{"type":"init_success","user_id":"u9"}`)
	require.True(t, f.r.SendChat("hi"))
	assert.Equal(t, "u9", f.channel.sentChats()[0].UserID)
}

func TestNotifyPlaybackComplete(t *testing.T) {
	f := newFixture(t)

	f.r.NotifyPlaybackComplete()
	msgs := f.channel.sentMessages()
	require.Len(t, msgs, 1)
	ctrl, ok := msgs[0].(protocol.Control)
	require.True(t, ok)
	assert.Equal(t, protocol.KindAudioPlaybackComplete, ctrl.Type)
}

func TestBreakSilence(t *testing.T) {
	f := newFixture(t)

	f.r.BreakSilence()
	chats := f.channel.sentChats()
	require.Len(t, chats, 1)
	assert.Equal(t, "用户没有回应，请打破沉默", chats[0].Content)

	msgs := f.r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleSystem, msgs[0].Role)
}

func TestPerformanceUpdateMergesMetrics(t *testing.T) {
	f := newFixture(t)

	f.channel.emit(t, `{"type":"performance_update","llmFirstTokenTime":"320ms","llmStatus":"生成中"}`)
	f.channel.emit(t, `{"type":"performance_update","ttsFirstPacketTime":"150ms","endToEndTime":"1.2s","llmStatus":"已完成"}`)

	m := f.r.SystemStatus().Metrics
	assert.Equal(t, "320ms", m.LLMFirstToken)
	assert.Equal(t, "150ms", m.TTSFirstPacket)
	assert.Equal(t, "1.2s", m.EndToEnd)
	assert.Equal(t, "已完成", m.LLMStage)
}

func TestBackendErrorClearsTyping(t *testing.T) {
	f := newFixture(t)

	f.channel.emit(t, `{"type":"generation_start"}`)
	f.channel.emit(t, `{"type":"error","error":"llm unavailable"}`)

	assert.False(t, f.r.Typing())
	assert.Equal(t, "error", f.r.SystemStatus().LLM)
	assert.Equal(t, 1, f.notifier.count(ToastError))
}

func TestCloseReleasesSubscriptions(t *testing.T) {
	f := newFixture(t)

	f.r.Close()
	f.channel.emit(t, `{"type":"generation_start"}`)

	assert.Empty(t, f.r.Messages())
	assert.GreaterOrEqual(t, f.capture.stops, 1)
}

func TestKeymap(t *testing.T) {
	f := newFixture(t)
	k := NewKeymap(f.r)

	assert.True(t, k.Handle("3"))
	assert.Equal(t, 3, f.r.Settings().PromptMode)

	assert.True(t, k.Handle("tab"))
	assert.True(t, f.r.Settings().Immersive)

	assert.True(t, k.Handle("m"))
	assert.True(t, f.capture.IsCapturing())
	assert.True(t, k.Handle("m"))
	assert.False(t, f.capture.IsCapturing())

	assert.True(t, k.Handle("escape"))
	assert.Contains(t, f.player.recorded(), "stop")

	assert.False(t, k.Handle("q"))
}
