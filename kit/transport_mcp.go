package kit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Sessioned is implemented by tool requests that address a recording
// session; the id is put on the context.
type Sessioned interface {
	Session() string
}

// RegisterMCPTool registers endpoint as an MCP tool. Arguments are decoded
// into a fresh *Req, and the endpoint's response is returned as JSON text;
// strings are returned as they are. Failures become tool errors, never
// protocol errors.
func RegisterMCPTool[Req any](srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint, mws ...Middleware) {
	ep := Chain(mws...)(endpoint)
	srv.AddTool(tool, func(ctx context.Context, call *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := new(Req)
		if args := call.Params.Arguments; len(args) > 0 {
			if err := json.Unmarshal(args, req); err != nil {
				return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}
		ctx = WithTransport(ctx, "mcp")
		if s, ok := any(req).(Sessioned); ok {
			ctx = WithSessionID(ctx, s.Session())
		}

		resp, err := ep(ctx, req)
		if err != nil {
			return toolError(err), nil
		}
		if s, ok := resp.(string); ok {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return toolError(fmt.Errorf("marshal: %w", err)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil
	})
}

func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
