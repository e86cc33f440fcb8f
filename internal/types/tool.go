package types

import "encoding/json"

// ToolDefinition is the provider-facing shape of a registered tool: name,
// description, and a JSON-Schema parameters object. strict mode is always
// disabled when converting to a provider wire format so loose model output
// is tolerated.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema object
}

// ToolResult is what a tool handler returns to the executor.
type ToolResult struct {
	Success       bool
	ResultText    string
	Images        []Part // PartImage entries
	DisplayMarkup string
}
