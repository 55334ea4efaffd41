package review

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/charmbracelet/huh"
)

// Option is one selectable answer.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Prompt is a question put to the user.
type Prompt struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Options     []Option `json:"options,omitempty"` // empty for yes/no questions
}

// Prompter asks the user questions.
type Prompter interface {
	Choose(p Prompt) (string, error)
	Confirm(p Prompt) (bool, error)
}

// TerminalPrompter asks through huh forms on the terminal.
type TerminalPrompter struct {
	Accessible bool
}

// Choose shows a select form and returns the chosen option value.
func (t TerminalPrompter) Choose(p Prompt) (string, error) {
	options := make([]huh.Option[string], 0, len(p.Options))
	for _, o := range p.Options {
		options = append(options, huh.NewOption(o.Label, o.Value))
	}

	var choice string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(p.Title).
				Description(p.Description).
				Options(options...).
				Value(&choice),
		),
	).WithAccessible(t.Accessible)

	if err := form.Run(); err != nil {
		return "", err
	}
	return choice, nil
}

// Confirm shows a yes/no form.
func (t TerminalPrompter) Confirm(p Prompt) (bool, error) {
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(p.Title).
				Description(p.Description).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	).WithAccessible(t.Accessible)

	if err := form.Run(); err != nil {
		return false, err
	}
	return ok, nil
}

// PromptRequest is a prompt forwarded to another front end.
type PromptRequest struct {
	RequestID string `json:"request_id"`
	Prompt    Prompt `json:"prompt"`
	Confirm   bool   `json:"confirm,omitempty"`
}

// PromptResponse answers a PromptRequest. Value holds the chosen option,
// or "yes"/"no" for confirmations.
type PromptResponse struct {
	RequestID string `json:"request_id"`
	Value     string `json:"value"`
}

// ChannelPrompter forwards prompts through requestSender and blocks until
// SubmitResponse delivers the answer.
type ChannelPrompter struct {
	responseChannel chan PromptResponse
	requestSender   func(PromptRequest) error
	counter         atomic.Int64
}

// NewChannelPrompter creates a prompter that sends questions with requestSender.
func NewChannelPrompter(requestSender func(PromptRequest) error) *ChannelPrompter {
	return &ChannelPrompter{
		responseChannel: make(chan PromptResponse, 1),
		requestSender:   requestSender,
	}
}

// SubmitResponse delivers an answer to the waiting prompt.
func (c *ChannelPrompter) SubmitResponse(response PromptResponse) {
	c.responseChannel <- response
}

// Choose forwards a select prompt.
func (c *ChannelPrompter) Choose(p Prompt) (string, error) {
	return c.ask(PromptRequest{Prompt: p})
}

// Confirm forwards a yes/no prompt.
func (c *ChannelPrompter) Confirm(p Prompt) (bool, error) {
	value, err := c.ask(PromptRequest{Prompt: p, Confirm: true})
	if err != nil {
		return false, err
	}
	switch value {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return false, fmt.Errorf("unexpected confirmation: %s", value)
}

func (c *ChannelPrompter) ask(request PromptRequest) (string, error) {
	request.RequestID = "prompt-req-" + strconv.FormatInt(c.counter.Add(1), 10)

	if err := c.requestSender(request); err != nil {
		return "", fmt.Errorf("failed to send prompt request: %w", err)
	}

	response := <-c.responseChannel
	if response.RequestID != request.RequestID {
		return "", fmt.Errorf("request ID mismatch: expected %s, got %s", request.RequestID, response.RequestID)
	}
	return response.Value, nil
}
