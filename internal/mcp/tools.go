package mcp

const (
	toolEmbedText = "embed_text"
	toolModelInfo = "model_info"
)

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func toolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name: toolEmbedText,
			Description: "Embed one text with the loaded causal language model: the mean of its last " +
				"hidden state over all tokens. Returns one vector of the model's hidden size.",
			InputSchema: objectSchema(map[string]any{
				"text": stringProp("Input text. Surrounding whitespace is ignored; it must not be empty."),
			}, "text"),
		},
		{
			Name:        toolModelInfo,
			Description: "Describe the loaded model: identifier, provider, hidden size, precision and device.",
			InputSchema: objectSchema(map[string]any{}),
		},
	}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}
