package townhall

import "sync"

// AgentStage identifies which part of the town hall pipeline is currently
// driving the conversation. Instruction providers and hooks use it for
// prompt prefixes and special-case handling.
type AgentStage string

// Pipeline stages.
const (
	StageDialogue               AgentStage = "dialogue"
	StageTriage                 AgentStage = "triage"
	StageInsights               AgentStage = "insights"
	StageConversationFormatting AgentStage = "conversation_formatting"
	StageIncidentFormatting     AgentStage = "incident_formatting"
	StageFeedbackFormatting     AgentStage = "feedback_formatting"
)

// Context is the mutable application context threaded through a town hall
// run. It tracks the pipeline stage, holds typed outputs awaiting database
// upload, and carries dedupe flags so the same incident or feedback is not
// extracted twice. Safe for concurrent use; parallel tool execution can
// touch it from multiple goroutines.
type Context struct {
	mu sync.Mutex

	stage        AgentStage
	incident     *Incident
	feedback     *Feedback
	conversation *Conversation
	insights     string

	incidentProcessed bool
	feedbackProcessed bool
}

// NewContext creates a Context starting at the dialogue stage.
func NewContext() *Context {
	return &Context{stage: StageDialogue}
}

// FromApp extracts the town hall Context from an application context value,
// typically RunContext.App or ToolContext.App().
func FromApp(app any) (*Context, bool) {
	c, ok := app.(*Context)
	return c, ok
}

// Stage returns the current pipeline stage.
func (c *Context) Stage() AgentStage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stage
}

// SetStage moves the pipeline to another stage.
func (c *Context) SetStage(s AgentStage) {
	c.mu.Lock()
	c.stage = s
	c.mu.Unlock()
}

// Incident returns the extracted incident, or nil.
func (c *Context) Incident() *Incident {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incident
}

// SetIncident stores an extracted incident and marks it processed.
func (c *Context) SetIncident(in *Incident) {
	c.mu.Lock()
	c.incident = in
	c.incidentProcessed = true
	c.mu.Unlock()
}

// IncidentProcessed reports whether an incident was already extracted in
// this conversation.
func (c *Context) IncidentProcessed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.incidentProcessed
}

// Feedback returns the extracted feedback, or nil.
func (c *Context) Feedback() *Feedback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedback
}

// SetFeedback stores extracted feedback and marks it processed.
func (c *Context) SetFeedback(fb *Feedback) {
	c.mu.Lock()
	c.feedback = fb
	c.feedbackProcessed = true
	c.mu.Unlock()
}

// FeedbackProcessed reports whether feedback was already extracted in this
// conversation.
func (c *Context) FeedbackProcessed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedbackProcessed
}

// Conversation returns the conversation summary, or nil.
func (c *Context) Conversation() *Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversation
}

// SetConversation stores the conversation summary.
func (c *Context) SetConversation(conv *Conversation) {
	c.mu.Lock()
	c.conversation = conv
	c.mu.Unlock()
}

// Insights returns the gathered insights text, or "".
func (c *Context) Insights() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insights
}

// SetInsights stores gathered insights for the dialogue agent to present.
func (c *Context) SetInsights(s string) {
	c.mu.Lock()
	c.insights = s
	c.mu.Unlock()
}
