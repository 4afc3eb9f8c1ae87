// Package mcpserver exposes chatmem's key/value memory and semantic message
// search as MCP (Model Context Protocol) tools, so an assistant can read and
// write durable memories across sessions.
package mcpserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/matthewjhunter/chatmem"
)

// MemoryServer bridges MCP tool calls to MemoryFunctions and, when a message
// store and provider are configured, to semantic message search.
type MemoryServer struct {
	functions *MemoryFunctions
	messages  chatmem.EmbeddingStore
	provider  *chatmem.Provider
	search    *chatmem.SearchEngine
}

// NewMemoryServer creates a server over memories. messages and provider are
// optional; without both, the message_search and embedding_status tools are
// not registered.
func NewMemoryServer(memories chatmem.MemoryStore, messages chatmem.EmbeddingStore, provider *chatmem.Provider) *MemoryServer {
	ms := &MemoryServer{
		functions: NewMemoryFunctions(memories),
		messages:  messages,
		provider:  provider,
	}
	if messages != nil && provider != nil {
		ms.search = chatmem.NewSearchEngine(messages, provider)
	}
	return ms
}

// Functions returns the underlying function bridge.
func (ms *MemoryServer) Functions() *MemoryFunctions { return ms.functions }

// --- Input types (MCP SDK infers JSON schemas from struct tags) ---

// RememberInput is the input schema for the memory_remember and
// memory_update tools.
type RememberInput struct {
	Key       string `json:"key" jsonschema:"unique key for the memory, e.g. favorite_color"`
	Value     string `json:"value" jsonschema:"the information to remember"`
	Category  string `json:"category,omitempty" jsonschema:"optional grouping such as preference, personal, work"`
	Tags      string `json:"tags,omitempty" jsonschema:"optional comma-separated keywords"`
	Important bool   `json:"important,omitempty" jsonschema:"true for facts that should always be kept in mind"`
}

// RecallInput is the input schema for the memory_recall tool.
type RecallInput struct {
	Query string `json:"query" jsonschema:"an exact key, or a term to search keys, values, categories and tags for"`
}

// ForgetInput is the input schema for the memory_forget tool.
type ForgetInput struct {
	Key string `json:"key" jsonschema:"key of the memory to delete"`
}

// ListInput is the input schema for the memory_list tool.
type ListInput struct {
	Category string `json:"category,omitempty" jsonschema:"only list memories in this category"`
}

// CategoriesInput is the input schema for the memory_categories tool.
type CategoriesInput struct{}

// MessageSearchInput is the input schema for the message_search tool.
type MessageSearchInput struct {
	Query         string  `json:"query" jsonschema:"natural language description of what to find"`
	Limit         int     `json:"limit,omitempty" jsonschema:"maximum number of results (default 10, max 50)"`
	MinSimilarity *float64 `json:"min_similarity,omitempty" jsonschema:"drop results below this cosine similarity (default 0.3)"`
}

// StatusInput is the input schema for the embedding_status tool.
type StatusInput struct{}

// defaultMinSimilarity filters unrelated messages from message_search.
const defaultMinSimilarity = 0.3

// --- Tool registration ---

// Register adds the memory tools, plus the message tools when configured,
// to the given MCP server.
func (ms *MemoryServer) Register(s *mcp.Server) {
	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_remember",
		Description: "Save a fact about the user under a short key. Overwrites any memory with the same key. Use this whenever you learn something worth keeping across conversations.",
	}, ms.HandleRemember)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_recall",
		Description: "Look up memories. An exact key match wins; otherwise keys, values, categories and tags are searched case-insensitively.",
	}, ms.HandleRecall)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_update",
		Description: "Change an existing memory. Fails if the key does not exist; use memory_remember to create one.",
	}, ms.HandleUpdate)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_forget",
		Description: "Delete the memory stored under a key. Use this to remove outdated or incorrect information.",
	}, ms.HandleForget)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_categories",
		Description: "List the categories memories are grouped into.",
	}, ms.HandleCategories)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "memory_list",
		Description: "Browse stored memories, most recently updated first, optionally only one category.",
	}, ms.HandleList)

	if ms.search == nil {
		return
	}

	mcp.AddTool(s, &mcp.Tool{
		Name:        "message_search",
		Description: "Semantic search over past conversation messages. Returns the most similar messages with their conversation and similarity score.",
	}, ms.HandleMessageSearch)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "embedding_status",
		Description: "Show the embedding model state and how many stored messages have embeddings.",
	}, ms.HandleStatus)
}

// --- Handlers ---

func (ms *MemoryServer) HandleRemember(ctx context.Context, _ *mcp.CallToolRequest, input RememberInput) (*mcp.CallToolResult, any, error) {
	return bridgeResult(ms.functions.Remember(ctx, input.Key, input.Value, input.Category, input.Tags, input.Important)), nil, nil
}

func (ms *MemoryServer) HandleRecall(ctx context.Context, _ *mcp.CallToolRequest, input RecallInput) (*mcp.CallToolResult, any, error) {
	return bridgeResult(ms.functions.Recall(ctx, input.Query)), nil, nil
}

func (ms *MemoryServer) HandleUpdate(ctx context.Context, _ *mcp.CallToolRequest, input RememberInput) (*mcp.CallToolResult, any, error) {
	return bridgeResult(ms.functions.Update(ctx, input.Key, input.Value, input.Category, input.Tags, input.Important)), nil, nil
}

func (ms *MemoryServer) HandleForget(ctx context.Context, _ *mcp.CallToolRequest, input ForgetInput) (*mcp.CallToolResult, any, error) {
	return bridgeResult(ms.functions.Forget(ctx, input.Key)), nil, nil
}

func (ms *MemoryServer) HandleCategories(ctx context.Context, _ *mcp.CallToolRequest, _ CategoriesInput) (*mcp.CallToolResult, any, error) {
	return bridgeResult(ms.functions.ListCategories(ctx)), nil, nil
}

func (ms *MemoryServer) HandleList(ctx context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, any, error) {
	return bridgeResult(ms.functions.ListMemories(ctx, input.Category)), nil, nil
}

func (ms *MemoryServer) HandleMessageSearch(ctx context.Context, _ *mcp.CallToolRequest, input MessageSearchInput) (*mcp.CallToolResult, any, error) {
	if ms.search == nil {
		return textResult("Error: message search is not configured", true), nil, nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return textResult("Error: query is required", true), nil, nil
	}

	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > 50 {
		limit = 50
	}
	minSim := defaultMinSimilarity
	if input.MinSimilarity != nil {
		minSim = *input.MinSimilarity
	}

	if err := ms.provider.Initialize(ctx, nil); err != nil {
		return textResult(fmt.Sprintf("Error: embedding model unavailable: %v", err), true), nil, nil
	}

	results, err := ms.search.SearchText(ctx, input.Query, chatmem.SearchOpts{MinSimilarity: minSim, MaxResults: limit})
	if err != nil {
		return textResult(fmt.Sprintf("Error searching messages: %v", err), true), nil, nil
	}
	if len(results) == 0 {
		return textResult("No matching messages found.", false), nil, nil
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] (similarity=%.3f) %s | %s | %s\n",
			i+1, r.Similarity, r.ConversationTitle, r.Message.Role, r.Timestamp.Local().Format("2006-01-02 15:04"))
		fmt.Fprintf(&b, "    %s\n\n", r.Message.Content)
	}
	return textResult(b.String(), false), nil, nil
}

func (ms *MemoryServer) HandleStatus(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, any, error) {
	if ms.messages == nil || ms.provider == nil {
		return textResult("Error: message store is not configured", true), nil, nil
	}

	cov, err := chatmem.EmbeddingCoverage(ctx, ms.messages, ms.provider.Model(), ms.provider.Dimensions())
	if err != nil {
		return textResult(fmt.Sprintf("Error: %v", err), true), nil, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s (%s", ms.provider.Model(), ms.provider.State())
	if dim := ms.provider.Dimensions(); dim > 0 {
		fmt.Fprintf(&b, ", %d dimensions", dim)
	}
	b.WriteString(")\n")
	if err := ms.provider.Err(); err != nil {
		fmt.Fprintf(&b, "Last error: %v\n", err)
	}
	fmt.Fprintf(&b, "Messages with embeddings: %d of %d (%.1f%%)\n", cov.WithEmbedding, cov.Total, cov.Percentage)
	return textResult(b.String(), false), nil, nil
}

// bridgeResult wraps a MemoryFunctions string, flagging failures.
func bridgeResult(text string) *mcp.CallToolResult {
	return textResult(text, IsError(text))
}

// textResult builds a CallToolResult with a single text content block.
func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
		IsError: isError,
	}
}
