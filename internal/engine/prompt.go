package engine

import "strings"

// PromptInput is what a model knows when it primes generation.
type PromptInput struct {
	AudioTokens int
	Language    string
	Supported   []string
}

// PromptBuilder constructs the text used to prime the model. It replaces the
// backend's default prompt construction for a single call.
type PromptBuilder interface {
	BuildPrompt(in PromptInput) string
	// SystemPrompt is the raw instruction for backends that take it as a
	// separate field instead of a rendered template.
	SystemPrompt() string
}

// DefaultPromptBuilder renders the stock chat template with an empty system turn.
type DefaultPromptBuilder struct{}

func (DefaultPromptBuilder) BuildPrompt(in PromptInput) string {
	return renderChatPrompt("", in)
}

func (DefaultPromptBuilder) SystemPrompt() string { return "" }

// SystemPromptBuilder injects an instruction into the system turn, e.g. to
// request Traditional Chinese output.
type SystemPromptBuilder struct {
	Prompt string
}

func (b SystemPromptBuilder) BuildPrompt(in PromptInput) string {
	return renderChatPrompt(b.Prompt, in)
}

func (b SystemPromptBuilder) SystemPrompt() string { return b.Prompt }

func renderChatPrompt(system string, in PromptInput) string {
	var b strings.Builder
	b.WriteString("<|im_start|>system\n")
	b.WriteString(system)
	b.WriteString("<|im_end|>\n<|im_start|>user\n<|audio_start|>")
	if in.AudioTokens > 0 {
		b.WriteString(strings.Repeat("<|audio_pad|>", in.AudioTokens))
	}
	b.WriteString("<|audio_end|><|im_end|>\n<|im_start|>assistant\n")
	if lang := CanonicalLanguage(in.Language, in.Supported); lang != "" {
		b.WriteString("language ")
		b.WriteString(lang)
		b.WriteString("<asr_text>")
	}
	return b.String()
}

// CanonicalLanguage matches name case-insensitively against the languages a
// model declares, returning name unchanged when there is no match.
func CanonicalLanguage(name string, supported []string) string {
	for _, s := range supported {
		if strings.EqualFold(s, name) {
			return s
		}
	}
	return name
}
