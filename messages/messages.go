package messages

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OSC message types and address constants for the entity-service dialect.

// Message types
type MessageType string

const (
	// Application messages
	MsgConnect    MessageType = "connect"
	MsgDisconnect MessageType = "disconnect"

	// Collection messages
	MsgEntitiesPage MessageType = "entities_page"
	MsgEntitiesBulk MessageType = "entities_bulk"
)

// OSC Address patterns
const (
	// Application level
	AddrConnect    = "/connect"
	AddrDisconnect = "/disconnect"

	// Collection level
	AddrEntitiesPage = "/collection/{name}/entities/page"
	AddrEntitiesBulk = "/collection/{name}/entities/bulk"

	// Reply prefix prepended to the request address
	AddrReplyPrefix = "/reply"
)

// Reply statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ReplyBadPasscode is the data of a connect reply that rejected the passcode.
const ReplyBadPasscode = "badpass"

// reserved characters of the OSC address grammar
const reservedAddressChars = "*?,[]{}# "

// AddressBuilder builds OSC addresses for one collection
type AddressBuilder struct {
	collection string
}

// NewAddressBuilder creates a new address builder
func NewAddressBuilder(collection string) *AddressBuilder {
	return &AddressBuilder{
		collection: collection,
	}
}

// Collection returns the collection name the builder was created for
func (b *AddressBuilder) Collection() string {
	return b.collection
}

// BuildAddress builds an OSC address from a message type and parameters.
// It returns "" for unknown types and for collection addresses without a collection.
func (b *AddressBuilder) BuildAddress(msgType MessageType, params map[string]string) string {
	var address string

	switch msgType {
	case MsgConnect:
		address = AddrConnect
	case MsgDisconnect:
		address = AddrDisconnect
	case MsgEntitiesPage:
		address = AddrEntitiesPage
	case MsgEntitiesBulk:
		address = AddrEntitiesBulk
	default:
		return ""
	}

	if strings.Contains(address, "{name}") {
		if b.collection == "" {
			return ""
		}
		address = strings.ReplaceAll(address, "{name}", b.collection)
	}

	for key, value := range params {
		placeholder := fmt.Sprintf("{%s}", key)
		address = strings.ReplaceAll(address, placeholder, value)
	}

	return address
}

// PageAddress is the address of the page request for the collection
func (b *AddressBuilder) PageAddress() string {
	return b.BuildAddress(MsgEntitiesPage, nil)
}

// BulkAddress is the address of the bulk commit request for the collection
func (b *AddressBuilder) BulkAddress() string {
	return b.BuildAddress(MsgEntitiesBulk, nil)
}

// BuildReplyAddress builds a reply address for a given request address
func (b *AddressBuilder) BuildReplyAddress(requestAddress string) string {
	return BuildReplyAddress(requestAddress)
}

// BuildReplyAddress builds a reply address for a given request address
func BuildReplyAddress(requestAddress string) string {
	return AddrReplyPrefix + requestAddress
}

// RequestAddress strips the reply prefix from a reply address.
// The bool is false when address is not a reply.
func RequestAddress(replyAddress string) (string, bool) {
	if !strings.HasPrefix(replyAddress, AddrReplyPrefix+"/") {
		return "", false
	}
	return strings.TrimPrefix(replyAddress, AddrReplyPrefix), true
}

// ValidCollectionName reports whether name can be embedded in an OSC address
func ValidCollectionName(name string) bool {
	return name != "" && !strings.ContainsAny(name, reservedAddressChars+"/")
}

// Request is the JSON argument of every collection request.
// RequestID is echoed in the reply so concurrent requests can share an address.
// ReplyPort overrides the server's default reply port.
type Request struct {
	RequestID string          `json:"request_id"`
	ReplyPort int             `json:"reply_port,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PageRequest is the payload of a page request. Pages are numbered from 1.
type PageRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Reply is the JSON argument of every reply.
type Reply struct {
	Status     string          `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	Collection string          `json:"collection,omitempty"`
}

// OK reports whether the reply carries a successful result
func (r Reply) OK() bool {
	return r.Status == StatusOK
}

// NewRequest encodes payload into a request envelope
func NewRequest(requestID string, payload any) (Request, error) {
	req := Request{RequestID: requestID}
	if payload == nil {
		return req, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Request{}, fmt.Errorf("failed to encode request payload: %w", err)
	}
	req.Payload = data
	return req, nil
}

// OKReply builds a successful reply carrying data
func OKReply(requestID string, data any) (Reply, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to encode reply data: %w", err)
	}
	return Reply{Status: StatusOK, Data: encoded, RequestID: requestID}, nil
}

// ErrorReply builds a failed reply
func ErrorReply(requestID, message string) Reply {
	return Reply{Status: StatusError, Error: message, RequestID: requestID}
}

// Encode renders v as the single string argument of an OSC message
func Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeReply parses the string argument of a reply message
func DecodeReply(arg string) (Reply, error) {
	var reply Reply
	if err := json.Unmarshal([]byte(arg), &reply); err != nil {
		return Reply{}, fmt.Errorf("failed to decode reply: %w", err)
	}
	return reply, nil
}

// DecodeRequest parses the string argument of a request message
func DecodeRequest(arg string) (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(arg), &req); err != nil {
		return Request{}, fmt.Errorf("failed to decode request: %w", err)
	}
	return req, nil
}
