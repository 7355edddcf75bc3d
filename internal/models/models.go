// Package models holds the catalog of chat models offered to callers.
// The catalog gates which model ids a request may name; an empty id
// resolves to the default model.
package models

// Model describes one selectable chat model.
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ContextLength int    `json:"context_length"`
}

// DefaultModel is used when a request omits the model id.
const DefaultModel = "mistralai/mistral-nemo:free"

// Catalog lists the models exposed to the front-end selector.
var Catalog = []Model{
	{ID: "deepseek/deepseek-chat-v3.1:free", Name: "DeepSeek V3.1", ContextLength: 163800},
	{ID: "deepseek/deepseek-r1-0528:free", Name: "DeepSeek R1 0528", ContextLength: 163840},
	{ID: "deepseek/deepseek-r1:free", Name: "DeepSeek R1", ContextLength: 163840},
	{ID: "google/gemini-2.0-flash-exp:free", Name: "Gemini 2.0 Flash Exp", ContextLength: 1048576},
	{ID: "google/gemma-3-27b-it:free", Name: "Gemma 3 27B", ContextLength: 131072},
	{ID: "meta-llama/llama-3.3-70b-instruct:free", Name: "Llama 3.3 70B", ContextLength: 131072},
	{ID: "meta-llama/llama-4-maverick:free", Name: "Llama 4 Maverick", ContextLength: 128000},
	{ID: "minimax/minimax-m2:free", Name: "MiniMax M2", ContextLength: 204800},
	{ID: "mistralai/mistral-nemo:free", Name: "Mistral Nemo", ContextLength: 131072},
	{ID: "mistralai/mistral-small-3.2-24b-instruct:free", Name: "Mistral Small 3.2 24B", ContextLength: 131072},
	{ID: "moonshotai/kimi-k2:free", Name: "Kimi K2", ContextLength: 32768},
	{ID: "openai/gpt-oss-20b:free", Name: "GPT-OSS 20B", ContextLength: 131072},
	{ID: "qwen/qwen3-coder:free", Name: "Qwen3 Coder 480B", ContextLength: 262000},
	{ID: "qwen/qwen3-235b-a22b:free", Name: "Qwen3 235B", ContextLength: 40960},
	{ID: "z-ai/glm-4.5-air:free", Name: "GLM 4.5 Air", ContextLength: 131072},
}

var byID = func() map[string]Model {
	m := make(map[string]Model, len(Catalog))
	for _, model := range Catalog {
		m[model.ID] = model
	}
	return m
}()

// ByID looks up a catalog model.
func ByID(id string) (Model, bool) {
	m, ok := byID[id]
	return m, ok
}

// Resolve maps a requested model id to a catalog id. An empty id falls
// back to the default; unknown ids are rejected.
func Resolve(id string) (string, bool) {
	if id == "" {
		return DefaultModel, true
	}
	if _, ok := byID[id]; !ok {
		return "", false
	}
	return id, true
}
