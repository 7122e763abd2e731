// Package inspect exposes the live session state as read-only MCP tools
// over stdio, so an agent or a developer can look at what the client sees.
package inspect

import (
	"context"
	"encoding/json"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/clinicdesk/realtime/session"
)

// Sessions yields the live session, if any. session.Supervisor implements it.
type Sessions interface {
	Current() (*session.Client, bool)
}

type Server struct {
	sessions Sessions
	mcp      *server.MCPServer
}

func NewServer(sessions Sessions, version string) *Server {
	s := &Server{sessions: sessions}
	s.mcp = server.NewMCPServer("clinicdesk-realtime", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// Run serves MCP over in/out (stdin and stdout in production) until ctx
// is done or in closes.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

// HandleMessage processes one raw JSON-RPC message.
func (s *Server) HandleMessage(ctx context.Context, msg json.RawMessage) mcp.JSONRPCMessage {
	return s.mcp.HandleMessage(ctx, msg)
}

func (s *Server) current() (*session.Client, *mcp.CallToolResult) {
	c, ok := s.sessions.Current()
	if !ok {
		return nil, NoSession()
	}
	return c, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}
