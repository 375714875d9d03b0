package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/chatos/pkg/models"
)

// defaultMaxParallel bounds concurrent tool calls per batch.
const defaultMaxParallel = 4

// suggestSubAgentSuffix marks the sub-agent suggestion tools: any batch runs
// at most one of them, whatever the arguments, because a second suggestion
// would open a second review for the same turn.
const suggestSubAgentSuffix = "_suggest_sub_agent"

// DedupCalls collapses a batch to its unique calls. Two calls are duplicates
// when they share name and argument hash; suggestion tools are duplicates on
// name alone. Returns the unique calls in first-occurrence order and a map
// from every original call id to the id of the call that will actually run.
func DedupCalls(calls []models.ToolCall) ([]models.ToolCall, map[string]string) {
	uniques := make([]models.ToolCall, 0, len(calls))
	canonical := make(map[string]string, len(calls))
	byKey := make(map[string]string, len(calls))
	for _, call := range calls {
		key := call.Name
		if !strings.HasSuffix(call.Name, suggestSubAgentSuffix) {
			sum := sha256.Sum256([]byte(call.Arguments))
			key += "\x00" + hex.EncodeToString(sum[:])
		}
		if execID, ok := byKey[key]; ok {
			canonical[call.ID] = execID
			continue
		}
		byKey[key] = call.ID
		canonical[call.ID] = call.ID
		uniques = append(uniques, call)
	}
	return uniques, canonical
}

// Execute runs a batch of tool calls. Duplicates execute once; every call
// id still receives a result, and results come back in submission order.
// Failures are contained per call: the batch never aborts early, only ctx
// cancellation cuts it short (pending calls then report "aborted").
func (r *Registry) Execute(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	uniques, canonical := DedupCalls(calls)

	results := make(map[string]models.ToolResult, len(uniques))
	var resultsMu sync.Mutex
	sem := make(chan struct{}, r.maxParallel)
	var wg sync.WaitGroup

	for _, call := range uniques {
		wg.Add(1)
		go func(call models.ToolCall) {
			defer wg.Done()
			var out models.ToolResult
			select {
			case sem <- struct{}{}:
				out = r.executeOne(ctx, call)
				<-sem
			case <-ctx.Done():
				out = errorOutcome(call.ID, "aborted")
			}
			resultsMu.Lock()
			results[call.ID] = out
			resultsMu.Unlock()
		}(call)
	}
	wg.Wait()

	// Expand alias entries back to one result per original call id.
	out := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		res := results[canonical[call.ID]]
		res.ToolCallID = call.ID
		out = append(out, res)
	}
	return out
}

func (r *Registry) executeOne(ctx context.Context, call models.ToolCall) models.ToolResult {
	tool, ok := r.tools[call.Name]
	if !ok {
		return errorOutcome(call.ID, "unknown tool: "+call.Name)
	}
	if err := ctx.Err(); err != nil {
		return errorOutcome(call.ID, "aborted")
	}
	if tool.schema != nil {
		if err := validateArguments(tool.schema, call.Arguments); err != nil {
			return errorOutcome(call.ID, "invalid arguments for "+call.Name+": "+err.Error())
		}
	}

	content, err := tool.backend.CallTool(ctx, tool.rawName, call.Arguments)
	if err != nil {
		r.logger.Warn("tool call failed", "tool", call.Name, "error", err)
		return errorOutcome(call.ID, err.Error())
	}
	return models.ToolResult{ToolCallID: call.ID, Content: content}
}

func errorOutcome(callID, text string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: callID,
		Content:    text,
		Metadata:   map[string]any{"error": true},
	}
}

// validateArguments checks the raw argument string against the compiled
// schema. An empty argument string validates as an empty object.
func validateArguments(schema *jsonschema.Schema, arguments string) error {
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	var decoded any
	if err := json.Unmarshal([]byte(arguments), &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}

func jsonMarshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
