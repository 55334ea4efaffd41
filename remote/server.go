package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hypebeast/go-osc/osc"
	"github.com/zenibako/stagedit/messages"
	"github.com/zenibako/stagedit/staging"
)

// ReceivedMessage captures details about received OSC messages for testing
type ReceivedMessage struct {
	Address   string
	Arguments []any
	Timestamp time.Time
}

// safeDispatcher wraps an OSC dispatcher with thread-safe dispatch
type safeDispatcher struct {
	dispatcher osc.Dispatcher
	mu         *sync.RWMutex
}

func (s *safeDispatcher) Dispatch(packet osc.Packet) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.dispatcher.Dispatch(packet)
}

// Server serves one collection of a Store over OSC
type Server struct {
	host             string
	port             int
	replyPort        int
	collection       string
	passcode         string
	store            Store
	addressBuilder   *messages.AddressBuilder
	server           *osc.Server
	mu               sync.RWMutex
	dispatcherMu     sync.RWMutex
	isRunning        bool
	replyDelay       time.Duration
	dropReplies      bool
	receivedMessages []ReceivedMessage
}

// NewServer creates a server for collection backed by store.
// Replies go to port+1 unless a request names its own reply port.
func NewServer(host string, port int, collection string, store Store) *Server {
	return &Server{
		host:             host,
		port:             port,
		replyPort:        port + 1,
		collection:       collection,
		store:            store,
		addressBuilder:   messages.NewAddressBuilder(collection),
		receivedMessages: make([]ReceivedMessage, 0),
	}
}

// SetPasscode requires clients to connect with passcode. Empty accepts any passcode.
func (s *Server) SetPasscode(passcode string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passcode = passcode
}

// SetReplyDelay delays every reply, to simulate a slow service
func (s *Server) SetReplyDelay(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyDelay = delay
}

// SetDropReplies makes the server handle requests without replying
func (s *Server) SetDropReplies(drop bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropReplies = drop
}

// Addr returns the listen address
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// Start starts the server
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("server already running")
	}
	if !messages.ValidCollectionName(s.collection) {
		return fmt.Errorf("invalid collection name %q", s.collection)
	}

	d := osc.NewStandardDispatcher()
	_ = d.AddMsgHandler(messages.AddrConnect, s.handleConnect)
	_ = d.AddMsgHandler(s.addressBuilder.PageAddress(), s.handlePage)
	_ = d.AddMsgHandler(s.addressBuilder.BulkAddress(), s.handleBulk)

	wrappedDispatcher := &safeDispatcher{
		dispatcher: d,
		mu:         &s.dispatcherMu,
	}

	s.server = &osc.Server{
		Addr:       s.Addr(),
		Dispatcher: wrappedDispatcher,
	}

	server := s.server
	go func() {
		if err := server.ListenAndServe(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
			log.Errorf("OSC server error: %v", err)
		}
	}()

	// Give the listener time to bind
	time.Sleep(100 * time.Millisecond)

	s.isRunning = true
	log.Infof("Entity service started on %s (collection: %s, reply: %d)", s.Addr(), s.collection, s.replyPort)
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	// go-osc can race a close against a listener that is still initializing,
	// so the close runs after a short delay.
	if s.server != nil {
		server := s.server
		s.server = nil
		go func() {
			time.Sleep(100 * time.Millisecond)
			log.Debugf("Closing OSC server")
			if err := server.CloseConnection(); err != nil {
				log.Warnf("Failed to close OSC server: %v", err)
			}
		}()
	}

	s.isRunning = false
	log.Info("Entity service stopped")
	return nil
}

// handleConnect checks the passcode. Arguments: passcode string, optional reply port int32.
func (s *Server) handleConnect(msg *osc.Message) {
	s.captureMessage(msg)
	log.Debug("Received connect request")

	var passcode string
	replyPort := 0
	if len(msg.Arguments) > 0 {
		if pc, ok := msg.Arguments[0].(string); ok {
			passcode = pc
		}
	}
	if len(msg.Arguments) > 1 {
		if p, ok := msg.Arguments[1].(int32); ok {
			replyPort = int(p)
		}
	}

	s.mu.RLock()
	expected := s.passcode
	s.mu.RUnlock()

	data := "ok"
	if expected != "" && passcode != expected {
		data = messages.ReplyBadPasscode
	}
	s.sendResult(msg.Address, replyPort, "", data)
}

func (s *Server) handlePage(msg *osc.Message) {
	s.captureMessage(msg)

	req, replyPort, err := decodeRequestMessage(msg)
	if err != nil {
		s.sendErrorReply(msg.Address, replyPort, "", err.Error())
		return
	}
	var pageReq messages.PageRequest
	if err := json.Unmarshal(req.Payload, &pageReq); err != nil {
		s.sendErrorReply(msg.Address, replyPort, req.RequestID, "invalid page request")
		return
	}

	page, err := s.store.FetchPage(context.Background(), pageReq.Page, pageReq.PageSize)
	if err != nil {
		s.sendErrorReply(msg.Address, replyPort, req.RequestID, err.Error())
		return
	}
	s.sendResult(msg.Address, replyPort, req.RequestID, page)
}

func (s *Server) handleBulk(msg *osc.Message) {
	s.captureMessage(msg)

	req, replyPort, err := decodeRequestMessage(msg)
	if err != nil {
		s.sendErrorReply(msg.Address, replyPort, "", err.Error())
		return
	}
	var bulk staging.BulkCommitRequest
	if err := json.Unmarshal(req.Payload, &bulk); err != nil {
		s.sendErrorReply(msg.Address, replyPort, req.RequestID, "invalid bulk request")
		return
	}

	log.Info("Received bulk commit", "operations", len(bulk.Operations), "groups", len(bulk.Groups), "validate_only", bulk.Options.ValidateOnly)
	resp, err := s.store.BulkCommit(context.Background(), bulk)
	if err != nil {
		s.sendErrorReply(msg.Address, replyPort, req.RequestID, err.Error())
		return
	}
	s.sendResult(msg.Address, replyPort, req.RequestID, resp)
}

// decodeRequestMessage parses the single JSON argument of a collection request
func decodeRequestMessage(msg *osc.Message) (messages.Request, int, error) {
	if len(msg.Arguments) == 0 {
		return messages.Request{}, 0, fmt.Errorf("missing request argument")
	}
	arg, ok := msg.Arguments[0].(string)
	if !ok {
		return messages.Request{}, 0, fmt.Errorf("invalid request argument")
	}
	req, err := messages.DecodeRequest(arg)
	if err != nil {
		return messages.Request{}, 0, err
	}
	return req, req.ReplyPort, nil
}

func (s *Server) sendResult(address string, replyPort int, requestID string, data any) {
	reply, err := messages.OKReply(requestID, data)
	if err != nil {
		s.sendErrorReply(address, replyPort, requestID, err.Error())
		return
	}
	reply.Collection = s.collection
	s.sendReply(address, replyPort, reply)
}

func (s *Server) sendErrorReply(address string, replyPort int, requestID, errorMsg string) {
	log.Warn("Rejecting request", "address", address, "error", errorMsg)
	reply := messages.ErrorReply(requestID, errorMsg)
	reply.Collection = s.collection
	s.sendReply(address, replyPort, reply)
}

// sendReply sends data as one JSON string argument to /reply{address}
func (s *Server) sendReply(address string, replyPort int, data any) {
	s.mu.RLock()
	delay := s.replyDelay
	drop := s.dropReplies
	if replyPort == 0 {
		replyPort = s.replyPort
	}
	s.mu.RUnlock()

	if drop {
		log.Debugf("Dropping reply for %s", address)
		return
	}

	encoded, err := messages.Encode(data)
	if err != nil {
		log.Errorf("Failed to marshal reply data: %v", err)
		return
	}

	replyAddress := messages.BuildReplyAddress(address)
	msg := osc.NewMessage(replyAddress)
	msg.Append(encoded)

	if delay > 0 {
		time.Sleep(delay)
	}

	client := osc.NewClient(s.host, replyPort)
	log.Debugf("Sending reply to %s:%d with address %s", s.host, replyPort, replyAddress)
	if err := client.Send(msg); err != nil {
		log.Errorf("Failed to send reply: %v", err)
	}
}

func (s *Server) captureMessage(msg *osc.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.receivedMessages = append(s.receivedMessages, ReceivedMessage{
		Address:   msg.Address,
		Arguments: append([]any{}, msg.Arguments...),
		Timestamp: time.Now(),
	})
}

// GetReceivedMessages returns a copy of all captured messages
func (s *Server) GetReceivedMessages() []ReceivedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ReceivedMessage, len(s.receivedMessages))
	copy(out, s.receivedMessages)
	return out
}

// ClearReceivedMessages clears the captured messages
func (s *Server) ClearReceivedMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivedMessages = make([]ReceivedMessage, 0)
}

// GetMessagesForAddress returns captured messages whose address contains addressPattern
func (s *Server) GetMessagesForAddress(addressPattern string) []ReceivedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []ReceivedMessage
	for _, msg := range s.receivedMessages {
		if strings.Contains(msg.Address, addressPattern) {
			matches = append(matches, msg)
		}
	}
	return matches
}
