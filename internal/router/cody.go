// ABOUTME: cody/* handlers: repository ids, embeddings context, completions, agent recipes
// ABOUTME: Recipe output streams back to the editor as forwarded agent notifications

package router

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mauromedda/sg-nvim-go/internal/agent"
	"github.com/mauromedda/sg-nvim-go/internal/sourcegraph"
)

// completionPreamble primes the assistant before the user's message.
const completionPreamble = `I am Cody, an AI-powered coding assistant developed by Sourcegraph. I operate inside an editor plugin. My task is to help programmers with programming tasks.
I have access to your currently open files in the editor.
I will generate suggestions as concisely and clearly as possible.
I only suggest something if I am certain about my answer.`

type repositoryParams struct {
	Name string `json:"name"`
}

type repositoryResult struct {
	Repository string `json:"repository"`
}

func (h *handlers) repository(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[repositoryParams](params)
	if err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, invalidParams("name is required")
	}
	id, err := h.Sourcegraph.RepositoryID(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	return repositoryResult{Repository: id}, nil
}

type embeddingParams struct {
	// Repo is the repository's GraphQL id, as returned by cody/repository.
	Repo  string `json:"repo"`
	Query string `json:"query"`
	Code  int    `json:"code"`
	Text  int    `json:"text"`
}

type embeddingResult struct {
	Embeddings []sourcegraph.Embedding `json:"embeddings"`
}

func (h *handlers) embedding(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[embeddingParams](params)
	if err != nil {
		return nil, err
	}
	if p.Repo == "" || p.Query == "" {
		return nil, invalidParams("repo and query are required")
	}
	if p.Code < 0 || p.Text < 0 {
		return nil, invalidParams("result counts must not be negative")
	}
	embeddings, err := h.Sourcegraph.Embeddings(ctx, p.Repo, p.Query, p.Code, p.Text)
	if err != nil {
		return nil, err
	}
	if embeddings == nil {
		embeddings = []sourcegraph.Embedding{}
	}
	return embeddingResult{Embeddings: embeddings}, nil
}

type completeParams struct {
	Message string `json:"message"`
	// Prefix seeds the start of the assistant's answer.
	Prefix      string   `json:"prefix,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

type completeResult struct {
	Completion string `json:"completion"`
}

func (h *handlers) complete(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[completeParams](params)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Message) == "" {
		return nil, invalidParams("message is required")
	}
	if t := p.Temperature; t != nil && (*t < 0 || *t > 1) {
		return nil, invalidParams("temperature %v outside [0, 1]", *t)
	}
	messages := []sourcegraph.CompletionMessage{
		{Speaker: agent.SpeakerAssistant, Text: completionPreamble},
		{Speaker: agent.SpeakerHuman, Text: p.Message},
		{Speaker: agent.SpeakerAssistant, Text: p.Prefix},
	}
	text, err := h.Sourcegraph.Complete(ctx, messages, p.Temperature)
	if err != nil {
		return nil, err
	}
	return completeResult{Completion: text}, nil
}

type recipesResult struct {
	Recipes []agent.RecipeInfo `json:"recipes"`
}

func (h *handlers) listRecipes(ctx context.Context, _ json.RawMessage) (any, error) {
	if h.Agent == nil {
		return nil, ErrNoAgent
	}
	recipes, err := h.Agent.ListRecipes(ctx)
	if err != nil {
		return nil, err
	}
	if recipes == nil {
		recipes = []agent.RecipeInfo{}
	}
	return recipesResult{Recipes: recipes}, nil
}

type executeRecipeParams struct {
	ID             string `json:"id"`
	HumanChatInput string `json:"humanChatInput"`
}

func (h *handlers) executeRecipe(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[executeRecipeParams](params)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, invalidParams("id is required")
	}
	if h.Agent == nil {
		return nil, ErrNoAgent
	}
	if err := h.Agent.ExecuteRecipe(ctx, p.ID, p.HumanChatInput); err != nil {
		return nil, err
	}
	return nil, nil
}
