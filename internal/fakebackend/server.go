// Package fakebackend provides a fake replication backend for tests.
// It serves GraphQL pull and push over HTTP and live streams over the
// graphql-transport-ws protocol on the same path, stamping every stored
// document with its own checkpoint field.
//
// The WebSocket side is implemented using the `gws` library.
//
// Failures can be injected at runtime: the whole backend can be taken down
// (HTTP 503 and rejected upgrades), live connections can be dropped at the
// TCP level or closed with a specific close code, and ping handling can be
// disabled to provoke keepalive timeouts.
package fakebackend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/kioskworks/kiosksync/pkg/models"
	"github.com/kioskworks/kiosksync/pkg/replconfig"
	"github.com/lxzan/gws"
)

// Path is where the backend serves GraphQL.
const Path = "/graphql"

// timestampLayout keeps checkpoint timestamps lexically ordered.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Server is a fake backend. Use NewServer and Start.
type Server struct {
	name            string
	checkpointField string

	addr     string
	listener net.Listener
	http     *http.Server
	upgrader *gws.Upgrader

	mu          sync.RWMutex
	collections map[string]*collection
	// operations maps a top-level GraphQL field name to its collection.
	operations map[string]operation
	sockets    map[*gws.Conn]*socketState
	down       bool
	ignorePing bool
	clock      time.Time

	pulls       map[string]int
	pushes      map[string]int
	connections int
}

type opKind int

const (
	opPull opKind = iota
	opPush
	opStream
)

type operation struct {
	kind       opKind
	collection string
	key        string
}

type collection struct {
	name       string
	streamName string
	docs       map[string]models.Document
}

type socketState struct {
	acked bool
	// subs maps subscription ids to collection names.
	subs map[string]string
}

type handler struct {
	server *Server
}

// NewServer creates a backend named name whose documents carry
// checkpointField. Use "127.0.0.1:0" to bind to a random port.
func NewServer(addr, name, checkpointField string) *Server {
	s := &Server{
		name:            name,
		checkpointField: checkpointField,
		addr:            addr,
		collections:     map[string]*collection{},
		operations:      map[string]operation{},
		sockets:         map[*gws.Conn]*socketState{},
		pulls:           map[string]int{},
		pushes:          map[string]int{},
		clock:           time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	s.upgrader = gws.NewUpgrader(&handler{server: s}, &gws.ServerOption{
		SubProtocols: []string{"graphql-transport-ws"},
	})

	router := mux.NewRouter()
	router.HandleFunc(Path, s.serveHTTP).Methods(http.MethodGet, http.MethodPost)
	s.http = &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// AddCollection registers the operations of c.
func (s *Server) AddCollection(c replconfig.CollectionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[c.Name]; !ok {
		s.collections[c.Name] = &collection{name: c.Name, streamName: c.StreamName, docs: map[string]models.Document{}}
	}
	s.operations[c.QueryName] = operation{kind: opPull, collection: c.Name, key: c.QueryName}
	s.operations[c.PushName] = operation{kind: opPush, collection: c.Name, key: c.PushName}
	s.operations[c.StreamName] = operation{kind: opStream, collection: c.Name, key: c.StreamName}
}

// Start starts listening.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("fakebackend: serve error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down and drops every live connection.
func (s *Server) Stop() error {
	s.DropConnections()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Address returns the address the server listens on.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) HTTPURL() string { return "http://" + s.Address() + Path }
func (s *Server) WSURL() string   { return "ws://" + s.Address() + Path }

// Endpoint describes the server as a backend endpoint.
func (s *Server) Endpoint() models.BackendEndpoint {
	return models.BackendEndpoint{Name: s.name, HTTP: s.HTTPURL(), WS: s.WSURL(), CheckpointField: s.checkpointField}
}

// SetDown makes every HTTP request fail with 503 and rejects new live
// connections. Taking the server down also drops existing connections.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
	if down {
		s.DropConnections()
	}
}

// SetIgnorePings stops the server from answering WebSocket pings.
func (s *Server) SetIgnorePings(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignorePing = ignore
}

// DropConnections closes every live connection without a close frame.
func (s *Server) DropConnections() {
	for _, socket := range s.liveSockets() {
		_ = socket.NetConn().Close()
	}
}

// CloseConnections sends a close frame with code and reason on every live connection.
func (s *Server) CloseConnections(code uint16, reason string) {
	for _, socket := range s.liveSockets() {
		socket.WriteClose(code, []byte(reason))
	}
}

func (s *Server) liveSockets() []*gws.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gws.Conn, 0, len(s.sockets))
	for socket := range s.sockets {
		out = append(out, socket)
	}
	return out
}

// Put stores doc in coll as if written by another client, stamping it with
// the server checkpoint field, and streams it to subscribers.
func (s *Server) Put(coll string, doc models.Document) models.Document {
	s.mu.Lock()
	stored := s.putLocked(coll, doc)
	s.mu.Unlock()
	if stored != nil {
		s.broadcast(coll, []models.Document{stored})
	}
	return stored
}

func (s *Server) putLocked(coll string, doc models.Document) models.Document {
	c, ok := s.collections[coll]
	if !ok {
		return nil
	}
	stored := doc.Clone()
	if stored.ID() == "" {
		return nil
	}
	s.clock = s.clock.Add(time.Millisecond)
	stored[s.checkpointField] = s.clock.Format(timestampLayout)
	if _, ok := stored[models.FieldRemoteDelete]; !ok {
		stored[models.FieldRemoteDelete] = false
	}
	c.docs[stored.ID()] = stored
	return stored.Clone()
}

// Documents returns every stored document of coll ordered by checkpoint.
func (s *Server) Documents(coll string) []models.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[coll]
	if !ok {
		return nil
	}
	return sortedDocs(c.docs, s.checkpointField)
}

// Get returns the stored document id of coll.
func (s *Server) Get(coll, id string) (models.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[coll]
	if !ok {
		return nil, false
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// PullCount returns how many pull requests were served for coll.
func (s *Server) PullCount(coll string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pulls[coll]
}

// PushCount returns how many push requests were served for coll.
func (s *Server) PushCount(coll string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pushes[coll]
}

// ConnectionCount returns how many live connections were ever accepted.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connections
}

// ActiveSubscriptions returns how many live subscriptions are open for coll.
func (s *Server) ActiveSubscriptions(coll string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.sockets {
		for _, c := range st.subs {
			if c == coll {
				n++
			}
		}
	}
	return n
}

func (s *Server) isDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.down
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if s.isDown() {
		http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
		return
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		socket, err := s.upgrader.Upgrade(w, r)
		if err != nil {
			log.Printf("fakebackend: upgrade failed: %v", err)
			return
		}
		go socket.ReadLoop()
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrors(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	field := topLevelField(req.Query)
	if field == "__typename" {
		writeJSON(w, map[string]any{"data": map[string]any{"__typename": "Query"}})
		return
	}

	s.mu.RLock()
	op, ok := s.operations[field]
	s.mu.RUnlock()
	if !ok {
		writeErrors(w, fmt.Sprintf("Cannot query field %q on type \"Query\"", field))
		return
	}

	switch op.kind {
	case opPull:
		writeJSON(w, map[string]any{"data": map[string]any{op.key: s.pull(op.collection, req.Variables)}})
	case opPush:
		writeJSON(w, map[string]any{"data": map[string]any{op.key: s.push(op.collection, req.Variables)}})
	default:
		writeErrors(w, fmt.Sprintf("%q is a subscription", field))
	}
}

func (s *Server) pull(coll string, vars map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls[coll]++

	c := s.collections[coll]
	limit := 0
	if l, ok := vars["limit"].(float64); ok {
		limit = int(l)
	}

	var afterTS, afterID string
	if cp, ok := vars["checkpoint"].(map[string]any); ok {
		// A checkpoint carrying the other backend's field is not understood.
		afterTS, _ = cp[s.checkpointField].(string)
		afterID, _ = cp["id"].(string)
	}

	docs := []models.Document{}
	for _, d := range sortedDocs(c.docs, s.checkpointField) {
		ts := d.String(s.checkpointField)
		if afterTS != "" && (ts < afterTS || (ts == afterTS && d.ID() <= afterID)) {
			continue
		}
		docs = append(docs, d)
		if limit > 0 && len(docs) == limit {
			break
		}
	}

	cp := map[string]any{"id": afterID, s.checkpointField: afterTS}
	if n := len(docs); n > 0 {
		cp = map[string]any{"id": docs[n-1].ID(), s.checkpointField: docs[n-1].String(s.checkpointField)}
	}
	return map[string]any{"documents": docs, "checkpoint": cp}
}

func (s *Server) push(coll string, vars map[string]any) []any {
	rows, _ := vars["writeRows"].([]any)

	s.mu.Lock()
	s.pushes[coll]++
	stored := make([]models.Document, 0, len(rows))
	for _, row := range rows {
		r, ok := row.(map[string]any)
		if !ok {
			continue
		}
		state, ok := r["newDocumentState"].(map[string]any)
		if !ok {
			continue
		}
		if d := s.putLocked(coll, models.Document(state)); d != nil {
			stored = append(stored, d)
		}
	}
	s.mu.Unlock()

	if len(stored) > 0 {
		s.broadcast(coll, stored)
	}
	return []any{}
}

func (s *Server) broadcast(coll string, docs []models.Document) {
	s.mu.RLock()
	c := s.collections[coll]
	type target struct {
		socket *gws.Conn
		id     string
	}
	var targets []target
	for socket, st := range s.sockets {
		for id, name := range st.subs {
			if name == coll {
				targets = append(targets, target{socket: socket, id: id})
			}
		}
	}
	s.mu.RUnlock()

	last := docs[len(docs)-1]
	payload := map[string]any{"data": map[string]any{c.streamName: map[string]any{
		"documents":  docs,
		"checkpoint": map[string]any{"id": last.ID(), s.checkpointField: last.String(s.checkpointField)},
	}}}
	for _, t := range targets {
		sendMessage(t.socket, wsMessage{ID: t.id, Type: "next", Payload: payload})
	}
}

type wsMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func (h *handler) OnOpen(socket *gws.Conn) {
	h.server.mu.Lock()
	h.server.sockets[socket] = &socketState{subs: map[string]string{}}
	h.server.connections++
	h.server.mu.Unlock()
}

func (h *handler) OnClose(socket *gws.Conn, err error) {
	h.server.mu.Lock()
	delete(h.server.sockets, socket)
	h.server.mu.Unlock()
}

func (h *handler) OnPing(socket *gws.Conn, payload []byte) {
	h.server.mu.RLock()
	ignore := h.server.ignorePing
	h.server.mu.RUnlock()
	if ignore {
		return
	}
	if err := socket.WritePong(payload); err != nil {
		log.Printf("fakebackend: error writing pong: %v", err)
	}
}

func (h *handler) OnPong(socket *gws.Conn, payload []byte) {}

func (h *handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	var m struct {
		ID      string          `json:"id"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(message.Bytes(), &m); err != nil {
		socket.WriteClose(4400, []byte("invalid message"))
		return
	}

	s := h.server
	switch m.Type {
	case "connection_init":
		s.mu.Lock()
		if st, ok := s.sockets[socket]; ok {
			st.acked = true
		}
		s.mu.Unlock()
		sendMessage(socket, wsMessage{Type: "connection_ack"})
	case "ping":
		sendMessage(socket, wsMessage{Type: "pong"})
	case "subscribe":
		var req struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal(m.Payload, &req)
		field := topLevelField(req.Query)

		s.mu.Lock()
		st, ok := s.sockets[socket]
		op, known := s.operations[field]
		if !ok || !st.acked {
			s.mu.Unlock()
			socket.WriteClose(4401, []byte("Unauthorized"))
			return
		}
		if !known || op.kind != opStream {
			s.mu.Unlock()
			sendMessage(socket, wsMessage{ID: m.ID, Type: "error", Payload: []map[string]any{{"message": fmt.Sprintf("unknown subscription %q", field)}}})
			return
		}
		st.subs[m.ID] = op.collection
		s.mu.Unlock()
	case "complete":
		s.mu.Lock()
		if st, ok := s.sockets[socket]; ok {
			delete(st.subs, m.ID)
		}
		s.mu.Unlock()
	}
}

func sendMessage(socket *gws.Conn, m wsMessage) {
	b, err := json.Marshal(m)
	if err != nil {
		log.Printf("fakebackend: error encoding message: %v", err)
		return
	}
	if err := socket.WriteMessage(gws.OpcodeText, b); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Printf("fakebackend: error writing message: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("fakebackend: error writing response: %v", err)
	}
}

func writeErrors(w http.ResponseWriter, msg string) {
	writeJSON(w, map[string]any{"errors": []map[string]any{{"message": msg}}})
}

// topLevelField returns the first field selected by the first operation of query.
func topLevelField(query string) string {
	doc, err := parser.Parse(parser.ParseParams{Source: query})
	if err != nil {
		return ""
	}
	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if !ok || op.SelectionSet == nil {
			continue
		}
		for _, sel := range op.SelectionSet.Selections {
			if f, ok := sel.(*ast.Field); ok && f.Name != nil {
				return f.Name.Value
			}
		}
	}
	return ""
}

func sortedDocs(docs map[string]models.Document, field string) []models.Document {
	out := make([]models.Document, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].String(field), out[j].String(field)
		if ti != tj {
			return ti < tj
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}
