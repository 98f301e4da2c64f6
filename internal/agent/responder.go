package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/persona"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/pipeline"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/session"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/ai"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/logger"
)

// DefaultPrompt is the receptionist brief every persona shares
const DefaultPrompt = `You are a professional medical receptionist at Nexus Miracle, a healthcare center in Saudi Arabia. Your role is to:

1. Help patients book, reschedule, or cancel appointments
2. Answer general questions about services and departments
3. Provide clinic information (hours, locations)
4. Triage inquiries and direct to appropriate departments

Guidelines:
- Be professional, empathetic, and concise
- Respond in the same language the patient uses (Arabic or English)
- Never provide medical diagnoses or treatment advice
- For emergencies, always direct to emergency services (997 in KSA)
- Confirm patient information when booking appointments
- Keep responses brief for voice delivery (2-3 sentences max)`

var personaTag = regexp.MustCompile(`(?i)\[\s*persona\s*:\s*([A-Za-z0-9_-]+)\s*\]`)

// Chatter runs one chat completion. *ai.Manager implements it.
type Chatter interface {
	Chat(ctx context.Context, req *ai.ChatRequest) (string, error)
}

// Responder answers recognized utterances and picks the persona that
// speaks the reply
type Responder struct {
	chat        Chatter
	personas    *persona.Registry
	prompt      string
	maxTokens   int
	temperature float64
	maxHistory  int
	logger      *zap.Logger
}

// ResponderOption customises a Responder
type ResponderOption func(*Responder)

// WithPrompt replaces the shared system prompt
func WithPrompt(prompt string) ResponderOption {
	return func(r *Responder) { r.prompt = prompt }
}

// WithMaxTokens caps the reply length
func WithMaxTokens(n int) ResponderOption {
	return func(r *Responder) { r.maxTokens = n }
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) ResponderOption {
	return func(r *Responder) { r.temperature = t }
}

// WithMaxHistory bounds how many past turns are sent to the model
func WithMaxHistory(n int) ResponderOption {
	return func(r *Responder) { r.maxHistory = n }
}

// NewResponder creates a Responder
func NewResponder(chat Chatter, personas *persona.Registry, logger *zap.Logger, opts ...ResponderOption) *Responder {
	r := &Responder{
		chat:        chat,
		personas:    personas,
		prompt:      DefaultPrompt,
		maxTokens:   200,
		temperature: 0.6,
		maxHistory:  10,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Respond generates the reply to text
func (r *Responder) Respond(ctx context.Context, text string, history []session.Turn, call pipeline.CallContext) (pipeline.Reply, error) {
	req := &ai.ChatRequest{
		System:      r.systemPrompt(call),
		Messages:    r.messages(text, history),
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	}

	raw, err := r.chat.Chat(ctx, req)
	if err != nil {
		return pipeline.Reply{}, err
	}

	reply, id := parseReply(raw)
	if reply == "" {
		return pipeline.Reply{}, fmt.Errorf("model returned an empty reply")
	}
	if id != "" {
		if p, ok := r.personas.Get(id); ok {
			id = p.ID
		} else {
			r.logger.Warn("Model chose unknown persona",
				logger.CallID(call.CallID),
				logger.Persona(id))
			id = ""
		}
	}
	return pipeline.Reply{Text: reply, Persona: id}, nil
}

func (r *Responder) systemPrompt(call pipeline.CallContext) string {
	var b strings.Builder
	b.WriteString(r.prompt)
	b.WriteString("\n\nYou speak through one of these voices:\n")
	for _, p := range r.personas.List() {
		fmt.Fprintf(&b, "- %s (%s, %s): %s\n", p.ID, p.Name, p.Role, p.Description)
	}
	current := call.Persona
	if current == "" {
		current = r.personas.Primary().ID
	}
	fmt.Fprintf(&b, "\nThe current voice is %s. Start every reply with [persona:<id>] naming the voice that should say it. ", current)
	b.WriteString("Switch voices only when the topic calls for it. Never mention the tag or the voices to the caller.")
	return b.String()
}

func (r *Responder) messages(text string, history []session.Turn) []ai.Message {
	if r.maxHistory > 0 && len(history) > r.maxHistory {
		history = history[len(history)-r.maxHistory:]
	}

	msgs := make([]ai.Message, 0, 2*len(history)+1)
	for _, t := range history {
		if t.Text != "" {
			msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: t.Text})
		}
		if t.Reply != "" && !t.GenerationFailed {
			msgs = append(msgs, ai.Message{Role: ai.RoleAssistant, Content: fmt.Sprintf("[persona:%s] %s", t.Persona, t.Reply)})
		}
	}
	return append(msgs, ai.Message{Role: ai.RoleUser, Content: text})
}

// parseReply strips persona tags from raw and returns the first tagged id
func parseReply(raw string) (string, string) {
	var id string
	if m := personaTag.FindStringSubmatch(raw); m != nil {
		id = strings.ToLower(m[1])
	}
	text := personaTag.ReplaceAllString(raw, "")
	return strings.Join(strings.Fields(text), " "), id
}
