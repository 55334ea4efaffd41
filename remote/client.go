package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/hypebeast/go-osc/osc"
	"github.com/zenibako/stagedit/messages"
	"github.com/zenibako/stagedit/staging"
)

// DefaultTimeout is how long a request waits for its reply.
const DefaultTimeout = 10 * time.Second

// listenerAttempts is how many consecutive ports the reply listener tries.
const listenerAttempts = 10

var (
	// ErrTimeout is returned when no reply arrived after all attempts.
	ErrTimeout = errors.New("timeout waiting for reply")
	// ErrBadPasscode is returned by Connect when the server rejects the passcode.
	ErrBadPasscode = errors.New("authentication failed - incorrect passcode")
)

// ReplyError is a request the server answered with an error status.
type ReplyError struct {
	Address string
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Address, e.Message)
}

var _ staging.EntityService = (*Client)(nil)

type pendingReply struct {
	address string
	seq     int64
	reply   chan messages.Reply
}

// Client talks to an entity service over OSC. Replies arrive on a persistent
// listener bound to the first free port from port+1.
type Client struct {
	host              string
	port              int
	client            *osc.Client
	addressBuilder    *messages.AddressBuilder
	listener          *osc.Server
	listenerPort      int
	serverMux         sync.Mutex
	replyHandlers     map[string]pendingReply // request id -> pending request
	replyHandlersMux  sync.Mutex
	requestCounter    atomic.Int64
	timeout           time.Duration
	maxRetries        int
	dryRun            bool
	pageSize          int
	onDisconnect      func()
	stateMux          sync.Mutex
	connected         bool
	wasConnected      bool
	consecutiveErrors int
}

// NewClient creates a client for collection served at host:port.
func NewClient(host string, port int, collection string) *Client {
	return &Client{
		host:           host,
		port:           port,
		client:         osc.NewClient(host, port),
		addressBuilder: messages.NewAddressBuilder(collection),
		replyHandlers:  make(map[string]pendingReply),
		timeout:        DefaultTimeout,
		pageSize:       staging.DefaultPageSize,
	}
}

// SetDryRun sets whether bulk commits only validate
func (c *Client) SetDryRun(dryRun bool) {
	c.dryRun = dryRun
}

// OnDisconnect sets a callback for when the service appears to be gone
func (c *Client) OnDisconnect(callback func()) {
	c.onDisconnect = callback
}

// SetMaxRetries sets the maximum number of retry attempts per request
func (c *Client) SetMaxRetries(retries int) {
	c.maxRetries = max(retries, 0)
}

// SetTimeout sets how long a request waits for its reply.
// Large collections with big bulk commits may need more than the default.
func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.timeout = timeout
	if timeout > DefaultTimeout {
		log.Infof("OSC timeout increased to %v for large collection support", timeout)
	}
}

// SetPageSize sets the page size used when a caller asks for pageSize <= 0
func (c *Client) SetPageSize(size int) {
	if size <= 0 {
		size = staging.DefaultPageSize
	}
	c.pageSize = size
}

// Collection returns the collection this client addresses
func (c *Client) Collection() string {
	return c.addressBuilder.Collection()
}

// IsConnected reports whether Connect succeeded
func (c *Client) IsConnected() bool {
	c.stateMux.Lock()
	defer c.stateMux.Unlock()
	return c.connected
}

// ListenerPort returns the port replies arrive on, or 0 before Start
func (c *Client) ListenerPort() int {
	c.serverMux.Lock()
	defer c.serverMux.Unlock()
	return c.listenerPort
}

// Start binds the reply listener. It is a no-op when already running.
func (c *Client) Start() error {
	c.serverMux.Lock()
	running := c.listener != nil
	c.serverMux.Unlock()
	if running {
		log.Debugf("Reply listener already running")
		return nil
	}

	d := osc.NewStandardDispatcher()
	_ = d.AddMsgHandler("*", c.handleMessage)

	basePort := c.port + 1
	for i := range listenerAttempts {
		replyPort := basePort + i
		replyHost := fmt.Sprintf("%s:%d", c.host, replyPort)

		server := &osc.Server{
			Addr:       replyHost,
			Dispatcher: d,
		}

		started := make(chan error, 1)
		go func() {
			err := server.ListenAndServe()
			if err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
				log.Debugf("OSC listener on %s exited: %v", replyHost, err)
			}
			started <- err
		}()

		select {
		case err := <-started:
			if err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
				log.Debugf("Port %d unavailable, trying next port", replyPort)
				continue
			}
			return fmt.Errorf("OSC listener on %s closed during startup", replyHost)
		case <-time.After(100 * time.Millisecond):
			c.serverMux.Lock()
			c.listener = server
			c.listenerPort = replyPort
			c.serverMux.Unlock()
			log.Infof("OSC listener started on %s", replyHost)
			return nil
		}
	}

	return fmt.Errorf("failed to start OSC listener after %d attempts", listenerAttempts)
}

// Close stops the reply listener
func (c *Client) Close() {
	c.serverMux.Lock()
	listener := c.listener
	c.listener = nil
	c.listenerPort = 0
	c.serverMux.Unlock()

	if listener != nil {
		if err := listener.CloseConnection(); err != nil {
			log.Warnf("Failed to close OSC listener: %v", err)
		}
	}
}

// Connect starts the listener if needed and authenticates with passcode.
func (c *Client) Connect(ctx context.Context, passcode string) error {
	if err := c.Start(); err != nil {
		return err
	}
	log.Debugf("Connect called with passcode length %d", len(passcode))

	reply, err := c.roundTrip(ctx, messages.AddrConnect, c.maxRetries, func(string) ([]any, error) {
		return []any{passcode, int32(c.ListenerPort())}, nil
	})
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return fmt.Errorf("connection timeout - is the entity service running at %s:%d? %w", c.host, c.port, err)
		}
		return err
	}

	var data string
	if err := json.Unmarshal(reply.Data, &data); err != nil {
		return fmt.Errorf("failed to parse connection reply: %w", err)
	}
	if data == messages.ReplyBadPasscode {
		return ErrBadPasscode
	}
	if reply.Collection != "" && reply.Collection != c.Collection() {
		log.Warn("Connected to a different collection", "expected", c.Collection(), "got", reply.Collection)
	}

	c.stateMux.Lock()
	c.connected = true
	c.stateMux.Unlock()
	log.Info("Connected to entity service", "collection", c.Collection(), "host", c.host, "port", c.port)
	return nil
}

// FetchPage requests one page of the collection.
func (c *Client) FetchPage(ctx context.Context, page, pageSize int) (staging.Page, error) {
	if pageSize <= 0 {
		pageSize = c.pageSize
	}
	reply, err := c.request(ctx, c.addressBuilder.PageAddress(), messages.PageRequest{Page: page, PageSize: pageSize}, c.maxRetries)
	if err != nil {
		return staging.Page{}, err
	}
	var out staging.Page
	if err := json.Unmarshal(reply.Data, &out); err != nil {
		return staging.Page{}, fmt.Errorf("failed to decode page %d: %w", page, err)
	}
	return out, nil
}

// BulkCommit sends the whole batch in one request. In dry-run mode the batch is only validated.
// A batch that applies changes is sent once: operations carry no idempotency
// keys, so a timed out batch may already be applied. Validate-only batches retry.
func (c *Client) BulkCommit(ctx context.Context, req staging.BulkCommitRequest) (staging.BulkCommitResponse, error) {
	if c.dryRun && !req.Options.ValidateOnly {
		log.Printf("[DRY RUN] Would commit %d operations, validating instead", len(req.Operations))
		req.Options.ValidateOnly = true
	}
	retries := c.maxRetries
	if !req.Options.ValidateOnly {
		retries = 0
	}
	reply, err := c.request(ctx, c.addressBuilder.BulkAddress(), req, retries)
	if err != nil {
		return staging.BulkCommitResponse{}, err
	}
	var out staging.BulkCommitResponse
	if err := json.Unmarshal(reply.Data, &out); err != nil {
		return staging.BulkCommitResponse{}, fmt.Errorf("failed to decode bulk commit response: %w", err)
	}
	return out, nil
}

// request sends payload in a request envelope and waits for its reply.
func (c *Client) request(ctx context.Context, address string, payload any, retries int) (messages.Reply, error) {
	if address == "" {
		return messages.Reply{}, fmt.Errorf("invalid collection name %q", c.Collection())
	}
	if err := c.Start(); err != nil {
		return messages.Reply{}, err
	}
	return c.roundTrip(ctx, address, retries, func(requestID string) ([]any, error) {
		req, err := messages.NewRequest(requestID, payload)
		if err != nil {
			return nil, err
		}
		req.ReplyPort = c.ListenerPort()
		arg, err := messages.Encode(req)
		if err != nil {
			return nil, err
		}
		return []any{arg}, nil
	})
}

// roundTrip sends one message per attempt, up to retries+1 attempts, and waits for the matching reply.
func (c *Client) roundTrip(ctx context.Context, address string, retries int, build func(requestID string) ([]any, error)) (messages.Reply, error) {
	for attempt := 0; attempt <= retries; attempt++ {
		seq := c.requestCounter.Add(1)
		requestID := strconv.FormatInt(seq, 10)

		args, err := build(requestID)
		if err != nil {
			return messages.Reply{}, err
		}
		msg := osc.NewMessage(address)
		for _, arg := range args {
			msg.Append(arg)
		}

		reply := make(chan messages.Reply, 1)
		c.listenForReply(requestID, address, seq, reply)

		startTime := time.Now()
		if err := c.client.Send(msg); err != nil {
			c.forget(requestID)
			log.Warnf("Failed to send OSC message: %v", err)
			continue
		}
		log.Debugf("Message sent to %s:%d - %s (attempt %d/%d, requestID: %s)", c.host, c.port, address, attempt+1, retries+1, requestID)

		select {
		case result := <-reply:
			log.Debugf("Reply received for %s in %v (requestID: %s)", address, time.Since(startTime), requestID)
			c.recordSuccess()
			if !result.OK() {
				return result, &ReplyError{Address: address, Message: result.Error}
			}
			return result, nil
		case <-ctx.Done():
			c.forget(requestID)
			return messages.Reply{}, ctx.Err()
		case <-time.After(c.timeout):
			c.forget(requestID)
			if attempt < retries {
				log.Warnf("Timeout waiting for reply for address %s (attempt %d/%d), retrying...", address, attempt+1, retries+1)
				time.Sleep(100 * time.Millisecond)
			}
		}
	}

	c.recordFailure(address)
	return messages.Reply{}, fmt.Errorf("%s: %w", address, ErrTimeout)
}

func (c *Client) listenForReply(requestID, address string, seq int64, reply chan messages.Reply) {
	c.replyHandlersMux.Lock()
	defer c.replyHandlersMux.Unlock()
	c.replyHandlers[requestID] = pendingReply{address: address, seq: seq, reply: reply}
}

func (c *Client) forget(requestID string) {
	c.replyHandlersMux.Lock()
	defer c.replyHandlersMux.Unlock()
	delete(c.replyHandlers, requestID)
}

// handleMessage routes a reply by request id, or by address to the oldest
// pending request when the reply carries no id.
func (c *Client) handleMessage(msg *osc.Message) {
	requestAddress, ok := messages.RequestAddress(msg.Address)
	if !ok {
		log.Debugf("Ignoring OSC message: %s", msg.Address)
		return
	}
	if len(msg.Arguments) == 0 {
		log.Debugf("Ignoring empty reply: %s", msg.Address)
		return
	}
	arg, ok := msg.Arguments[0].(string)
	if !ok {
		log.Debugf("Ignoring reply with non-string argument: %s", msg.Address)
		return
	}
	reply, err := messages.DecodeReply(arg)
	if err != nil {
		log.Warn("Failed to decode reply", "address", msg.Address, "error", err)
		return
	}

	c.replyHandlersMux.Lock()
	key := reply.RequestID
	pending, found := c.replyHandlers[key]
	if found && pending.address != requestAddress {
		found = false
	}
	if !found && reply.RequestID == "" {
		for id, p := range c.replyHandlers {
			if p.address == requestAddress && (!found || p.seq < pending.seq) {
				key, pending, found = id, p, true
			}
		}
	}
	if found {
		delete(c.replyHandlers, key)
	}
	c.replyHandlersMux.Unlock()

	if !found {
		log.Debugf("No handler found for reply: %s (requestID: %q)", msg.Address, reply.RequestID)
		return
	}
	pending.reply <- reply
}

func (c *Client) recordSuccess() {
	c.stateMux.Lock()
	defer c.stateMux.Unlock()
	c.consecutiveErrors = 0
	c.wasConnected = true
}

func (c *Client) recordFailure(address string) {
	c.stateMux.Lock()
	c.consecutiveErrors++
	notify := c.wasConnected && c.consecutiveErrors >= 2 && c.onDisconnect != nil
	if notify {
		c.wasConnected = false
		c.connected = false
	}
	wasConnected := c.wasConnected || notify
	c.stateMux.Unlock()

	if wasConnected {
		log.Warnf("Timeout waiting for reply for address %s after all retry attempts", address)
	} else {
		log.Debugf("Timeout waiting for reply for address %s after all retry attempts", address)
	}
	if notify {
		c.onDisconnect()
	}
}
