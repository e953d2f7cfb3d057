// Package llm wraps langchaingo chains behind a small interface the capability handlers depend on.
package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/chains"
	"github.com/tmc/langchaingo/llms/openai"
	langChainPrompts "github.com/tmc/langchaingo/prompts"

	"go-agentic/pkg/prompts"
	"go-agentic/pkg/template"
)

// Completion is a rendered question and the model's raw answer.
type Completion struct {
	Question string
	Answer   string
}

type Completer interface {
	Complete(ctx context.Context, prompt prompts.Prompt, vars map[string]any) (Completion, error)
}

// ChainCompleter builds one LLM chain per prompt and reuses it.
type ChainCompleter struct {
	llm *openai.LLM

	mu     sync.Mutex
	chains map[string]chains.Chain
}

// NewOpenAI reads OPENAI_API_KEY (and OPENAI_MODEL) from the environment.
func NewOpenAI() (*ChainCompleter, error) {
	llm, err := openai.New()
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return &ChainCompleter{llm: llm, chains: map[string]chains.Chain{}}, nil
}

func (c *ChainCompleter) Complete(ctx context.Context, prompt prompts.Prompt, vars map[string]any) (Completion, error) {
	completion, err := chains.Call(ctx, c.chain(prompt), vars)
	if err != nil {
		return Completion{}, fmt.Errorf("call: %w", err)
	}
	answer, ok := completion["text"].(string)
	if !ok {
		return Completion{}, fmt.Errorf("call: unexpected completion output %v", completion)
	}

	question, err := template.Parse(prompt.Text, vars)
	if err != nil {
		return Completion{}, fmt.Errorf("execute: %w", err)
	}
	return Completion{Question: question, Answer: answer}, nil
}

func (c *ChainCompleter) chain(prompt prompts.Prompt) chains.Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	if chain, ok := c.chains[prompt.Name]; ok {
		return chain
	}
	chain := chains.NewLLMChain(c.llm, langChainPrompts.NewPromptTemplate(prompt.Text, prompt.Vars))
	c.chains[prompt.Name] = chain
	return chain
}
