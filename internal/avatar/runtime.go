// Package avatar abstracts the Live2D model runtime. The client core drives
// model parameters and motions through the Runtime interface; the rendering
// surface that implements it lives outside this module.
package avatar

// Live2D standard parameter IDs driven by the client.
const (
	ParamMouthOpenY = "ParamMouthOpenY"
	ParamMouthForm  = "ParamMouthForm"
)

// Expression names understood by the Yuyu model.
const (
	ExpressionNeutral  = "neutral"
	ExpressionThinking = "thinking"
	ExpressionHappy    = "happy"
)

// Runtime is the surface the client animates.
type Runtime interface {
	// SetParam writes one model parameter for the current frame.
	SetParam(id string, value float64)
	// PlayMotion starts a motion from the named group.
	PlayMotion(group string, index int) error
	// SetExpression switches the active expression.
	SetExpression(name string) error
}

// NopRuntime discards all animation calls. Used when the client runs
// headless or before a rendering surface attaches.
type NopRuntime struct{}

func (NopRuntime) SetParam(string, float64) {}
func (NopRuntime) PlayMotion(string, int) error { return nil }
func (NopRuntime) SetExpression(string) error { return nil }
