package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// fakeServer answers MCP requests in-process.
type fakeServer struct {
	tools      []ToolSchema
	silentOn   map[string]bool
	mu         sync.Mutex
	methodHits map[string]int
}

func newFakeServer(tools ...ToolSchema) *fakeServer {
	return &fakeServer{tools: tools, silentOn: map[string]bool{}, methodHits: map[string]int{}}
}

func (s *fakeServer) hits(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.methodHits[method]
}

func (s *fakeServer) respond(req Request) (any, *RPCError, bool) {
	s.mu.Lock()
	s.methodHits[req.Method]++
	s.mu.Unlock()

	if s.silentOn[req.Method] {
		return nil, nil, false
	}
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]any{"name": "fake", "version": "1.0"},
		}, nil, true
	case "tools/list":
		return map[string]any{"tools": s.tools}, nil, true
	case "tools/call":
		name, _ := req.Params["name"].(string)
		args, _ := req.Params["arguments"].(map[string]any)
		switch name {
		case "fail":
			return ToolCallResult{IsError: true, Content: []ContentBlock{{Type: "text", Text: "it broke"}}}, nil, true
		case "slow":
			return nil, nil, false
		default:
			return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("%s:%v", name, args["text"])}}}, nil, true
		}
	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "unknown method"}, true
	}
}

// pipeTransport connects a Client to a fakeServer through in-memory pipes.
type pipeTransport struct {
	server  *fakeServer
	clientR *io.PipeReader
	serverW *io.PipeWriter
	serverR *io.PipeReader
	clientW *io.PipeWriter
	stops   atomic.Int32
	stopErr error
}

func newPipeTransport(server *fakeServer) *pipeTransport {
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()
	return &pipeTransport{server: server, clientR: clientR, serverW: serverW, serverR: serverR, clientW: clientW}
}

func (p *pipeTransport) Start(ctx context.Context) error {
	go func() {
		scanner := bufio.NewScanner(p.serverR)
		for scanner.Scan() {
			var req Request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil || req.ID == nil {
				continue
			}
			result, rpcErr, ok := p.server.respond(req)
			if !ok {
				continue
			}
			resp := map[string]any{"jsonrpc": JSONRPCVersion, "id": req.ID}
			if rpcErr != nil {
				resp["error"] = rpcErr
			} else {
				resp["result"] = result
			}
			data, _ := json.Marshal(resp)
			if _, err := p.serverW.Write(append(data, '\n')); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pipeTransport) Write(data []byte) error {
	_, err := p.clientW.Write(data)
	return err
}

func (p *pipeTransport) Reader() io.Reader {
	return p.clientR
}

func (p *pipeTransport) Stop(time.Duration) error {
	p.stops.Add(1)
	_ = p.clientW.Close()
	_ = p.serverW.Close()
	return p.stopErr
}
