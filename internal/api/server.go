// Package api implements the loopback Control API: a
// minimal HTTP/1.1 surface that parses only the request line and query
// string, ignores every header, never keeps a connection alive, and
// replies with a single JSON body.
//
// Deliberately NOT built on a framework router: that shape assumes
// persistent keep-alive connections and a multi-tenant session/auth
// layer, exactly what this wire contract forbids. Built instead on a raw
// net.Listener accept loop, generalized from a byte relay into a
// request-line + query-string parser with a small routing table.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"go.uber.org/zap"

	"github.com/riverpath/devservers/internal/banner"
	"github.com/riverpath/devservers/internal/supervisor"
)

const (
	firstReadCap  = 64 * 1024
	readDeadline  = 5 * time.Second
	writeDeadline = 5 * time.Second
)

// Server is the Control API's loopback HTTP listener.
type Server struct {
	log      *zap.Logger
	mgr      *supervisor.Manager
	port     int
	listener net.Listener
}

// NewServer constructs a Control API bound to 127.0.0.1:port once Start
// is called.
func NewServer(log *zap.Logger, mgr *supervisor.Manager, port int) *Server {
	return &Server{log: log.Named("api"), mgr: mgr, port: port}
}

// Start binds the loopback listener. Must be called before Serve.
func (s *Server) Start() error {
	lc := net.ListenConfig{Control: setReuseAddr}
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = ln
	s.log.Info("control API listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Serve runs the accept loop until the listener is closed. Intended to
// run in its own goroutine; returns nil on an orderly Close.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isClosedErr(err) {
				return nil
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections. In-flight connections are left
// to finish on their own (each closes itself within readDeadline).
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func isClosedErr(err error) bool {
	return strings.Contains(err.Error(), "use of closed network connection")
}

func (s *Server) handleConn(conn net.Conn) {
	var reqMethod, reqPath, reqQuery string
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in request handler",
				zap.Any("recovered", r),
				zap.String("dump", spew.Sdump(struct {
					Method, Path, Query string
				}{reqMethod, reqPath, reqQuery})),
			)
		}
		conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))

	br := bufio.NewReaderSize(conn, firstReadCap)
	reqLine, err := br.ReadString('\n')
	if err != nil {
		writeError(conn, 400, "malformed request")
		return
	}

	method, target, ok := parseRequestLine(reqLine)
	if !ok {
		writeError(conn, 400, "malformed request line")
		return
	}
	reqMethod = method

	// Headers are ignored entirely; drain them so the connection doesn't
	// look like it still has a pending write from the client's side.
	for {
		line, err := br.ReadString('\n')
		if err != nil || strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	path, query := splitPathQuery(target)
	reqPath, reqQuery = path, query

	s.route(conn, method, path, query)
}

func parseRequestLine(line string) (method, target string, ok bool) {
	fields := strings.Fields(strings.TrimRight(line, "\r\n"))
	if len(fields) != 3 {
		return "", "", false
	}
	return fields[0], fields[1], true
}

func splitPathQuery(target string) (path, query string) {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, ""
}

// route dispatches to a handler from the routing table below.
func (s *Server) route(conn net.Conn, method, path, query string) {
	segments := splitSegments(path)

	switch {
	case method == "GET" && path == "/servers":
		s.handleListServers(conn)

	case method == "GET" && len(segments) == 2 && segments[0] == "servers":
		s.handleGetServer(conn, segments[1])

	case method == "GET" && len(segments) == 3 && segments[0] == "servers" && segments[2] == "logs":
		s.handleGetLogs(conn, segments[1], query)

	case method == "POST" && len(segments) == 2 && segments[0] == "servers" && segments[1] == "start-all":
		s.mgr.StartAll()
		writeJSON(conn, 200, actionResult{Success: true, Message: "started all servers"})

	case method == "POST" && len(segments) == 2 && segments[0] == "servers" && segments[1] == "stop-all":
		s.mgr.StopAll()
		writeJSON(conn, 200, actionResult{Success: true, Message: "stopped all servers"})

	case method == "POST" && len(segments) == 2 && segments[0] == "servers" && segments[1] == "reload-settings":
		s.handleReloadSettings(conn)

	case method == "POST" && len(segments) == 3 && segments[0] == "servers":
		s.handlePerServerAction(conn, segments[1], segments[2])

	default:
		writeJSON(conn, 404, errorBody{Error: "not found: " + path})
	}
}

func splitSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

type actionResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleListServers(conn net.Conn) {
	writeJSON(conn, 200, struct {
		Servers []supervisor.ServerInfo `json:"servers"`
	}{Servers: s.mgr.ListInfo()})
}

func (s *Server) handleGetServer(conn net.Conn, id string) {
	info, ok := s.mgr.GetInfo(id)
	if !ok {
		writeJSON(conn, 404, errorBody{Error: "Server not found"})
		return
	}
	writeJSON(conn, 200, info)
}

func (s *Server) handleGetLogs(conn net.Conn, id, query string) {
	lines := 100
	if v := queryParam(query, "lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}

	logLines, total, ok := s.mgr.GetLogs(id, lines)
	if !ok {
		writeJSON(conn, 404, errorBody{Error: "Server not found"})
		return
	}
	writeJSON(conn, 200, struct {
		ID         string   `json:"id"`
		Lines      []string `json:"lines"`
		TotalLines int      `json:"totalLines"`
	}{ID: id, Lines: logLines, TotalLines: total})
}

func (s *Server) handlePerServerAction(conn net.Conn, id, action string) {
	if _, ok := s.mgr.GetInfo(id); !ok {
		writeJSON(conn, 404, errorBody{Error: "Server not found"})
		return
	}

	switch action {
	case "start":
		s.mgr.Start(id)
		writeJSON(conn, 200, actionResult{Success: true, Message: "start requested"})
	case "stop":
		s.mgr.Stop(id)
		writeJSON(conn, 200, actionResult{Success: true, Message: "stop requested"})
	case "restart":
		s.mgr.Restart(id)
		writeJSON(conn, 200, actionResult{Success: true, Message: "restart requested"})
	case "clear-logs":
		s.mgr.ClearLogs(id)
		writeJSON(conn, 200, actionResult{Success: true, Message: "logs cleared"})
	default:
		writeJSON(conn, 404, errorBody{Error: "not found: /servers/" + id + "/" + action})
	}
}

func (s *Server) handleReloadSettings(conn net.Conn) {
	banner.Phase("reloading settings")
	if err := s.mgr.ReloadSettings(); err != nil {
		writeJSON(conn, 200, actionResult{Success: false, Message: "reloaded with errors: " + err.Error()})
		return
	}
	writeJSON(conn, 200, actionResult{Success: true, Message: "settings reloaded"})
}

func queryParam(query, key string) string {
	for _, pair := range strings.Split(query, "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) == 2 && kv[0] == key {
			return kv[1]
		}
	}
	return ""
}

func writeJSON(conn net.Conn, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		writeRaw(conn, 500, `{"error":"JSON encoding failed"}`)
		return
	}
	writeRaw(conn, status, string(payload))
}

func writeError(conn net.Conn, status int, message string) {
	payload, _ := json.Marshal(errorBody{Error: message})
	writeRaw(conn, status, string(payload))
}

func writeRaw(conn net.Conn, status int, body string) {
	statusText := httpStatusText(status)
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n", status, statusText)
	fmt.Fprintf(conn, "Content-Type: application/json\r\n")
	fmt.Fprintf(conn, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(conn, "Access-Control-Allow-Origin: *\r\n")
	fmt.Fprintf(conn, "Connection: close\r\n")
	fmt.Fprintf(conn, "\r\n")
	fmt.Fprint(conn, body)
}

func httpStatusText(status int) string {
	switch status {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 500:
		return "Internal Server Error"
	default:
		return "Unknown"
	}
}
