// Package model defines the persistent records and the in-flight views
// shared by the router, the MX workers and the garbage collector.
package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status values for a MailStatus event.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusDelayed   Status = "delayed"
	StatusDelivered Status = "delivered"
	StatusBounced   Status = "bounced"
	StatusDropped   Status = "dropped"
	StatusDeleted   Status = "deleted"
)

// DeliveryTerminalStates are the states after which no further delivery
// attempt may happen for an envelope.
var DeliveryTerminalStates = []Status{
	StatusDelivered,
	StatusBounced,
	StatusDropped,
}

// DiscardStates is the terminal set plus DELETED; any of these makes a
// routing or delivery task an idempotent no-op.
var DiscardStates = append([]Status{StatusDeleted}, DeliveryTerminalStates...)

// IsTerminal reports whether s ends the delivery lifecycle of an envelope.
func IsTerminal(s Status) bool {
	for _, t := range DeliveryTerminalStates {
		if s == t {
			return true
		}
	}
	return false
}

// Worker is one SMTP-capable source, identified by its source IP.
// At most one record exists per IP; the cached representation exists
// iff Enabled is true.
type Worker struct {
	ID               int64
	Name             string
	IP               string
	CreationDate     time.Time
	UpdateDate       time.Time
	Enabled          bool
	PoliciesSettings map[string]json.RawMessage
}

func (w *Worker) String() string {
	return fmt.Sprintf("%s (%s)", w.Name, w.IP)
}

// QueueName returns the name of the worker's first-attempt queue, or the
// retry queue when retry is true.
func (w *Worker) QueueName(prefix, retryPrefix string, retry bool) string {
	if retry {
		return strings.Replace(retryPrefix, "{ip}", w.IP, 1)
	}
	return strings.Replace(prefix, "{ip}", w.IP, 1)
}

// WorkerView is the policy-chain working record for one worker. Policies
// filter the view list and update Score and NextAvailable; they never
// touch persistent state.
type WorkerView struct {
	IP               string                     `json:"ip"`
	Name             string                     `json:"name"`
	PK               int64                      `json:"pk"`
	PoliciesSettings map[string]json.RawMessage `json:"policies_settings"`
	Score            float64                    `json:"-"`
	NextAvailable    time.Time                  `json:"-"`
}

// Settings unmarshals the view's settings for one policy short name into
// dst. A missing key leaves dst untouched and returns false.
func (v *WorkerView) Settings(name string, dst any) bool {
	raw, ok := v.PoliciesSettings[name]
	if !ok || len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false
	}
	return true
}

// Mail is one envelope awaiting or undergoing delivery.
type Mail struct {
	ID         int64
	Identifier string
	Headers    map[string]string
	Sender     string
	Recipient  string
	MessageID  *int64 // RawMail reference, nil once terminal
}

// RawMail holds a message body. Bodies are shared between mails and
// purged by the garbage collector once unreferenced and expired.
type RawMail struct {
	ID           int64
	Content      []byte
	CreationDate time.Time
}

// MailStatus is an append-only history event for a Mail.
type MailStatus struct {
	ID                int64
	MailID            int64
	Identifier        string
	Status            Status
	SourceIP          string
	DestinationDomain string
	StatusCode        string
	RawMsg            string
	CreationDate      time.Time
}

// Reply is one SMTP server response.
type Reply struct {
	Code               string `json:"code"`
	EnhancedStatusCode string `json:"enhanced_status_code"`
	Message            string `json:"message"`
}

func (r *Reply) String() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.Code + " " + r.Message)
}

// Raw renders the reply the way it is stored in MailStatus.RawMsg.
func (r *Reply) Raw() string {
	if r == nil {
		return ""
	}
	out := ""
	if r.Code != "" {
		out += r.Code + " "
	}
	if r.EnhancedStatusCode != "" {
		out += r.EnhancedStatusCode + " "
	}
	return strings.TrimSpace(out + r.Message)
}

// Envelope is the tuple handed to the relay: sender, single recipient,
// headers and body.
type Envelope struct {
	Sender    string
	Recipient string
	Headers   []Header
	Body      []byte
}

// Header preserves insertion order and original field-name casing.
type Header struct {
	Key   string
	Value string
}

// Get returns the first value of the named header, case-insensitively.
func (e *Envelope) Get(key string) string {
	for _, h := range e.Headers {
		if strings.EqualFold(h.Key, key) {
			return h.Value
		}
	}
	return ""
}

// Set replaces every occurrence of the named header with a single value,
// appending when absent.
func (e *Envelope) Set(key, value string) {
	kept := e.Headers[:0]
	found := false
	for _, h := range e.Headers {
		if strings.EqualFold(h.Key, key) {
			if !found {
				kept = append(kept, Header{Key: h.Key, Value: value})
				found = true
			}
			continue
		}
		kept = append(kept, h)
	}
	if !found {
		kept = append(kept, Header{Key: key, Value: value})
	}
	e.Headers = kept
}

// Del removes every occurrence of the named header.
func (e *Envelope) Del(key string) {
	kept := e.Headers[:0]
	for _, h := range e.Headers {
		if !strings.EqualFold(h.Key, key) {
			kept = append(kept, h)
		}
	}
	e.Headers = kept
}

// Flatten renders the whole message, headers then body, CRLF separated.
func (e *Envelope) Flatten() []byte {
	var b strings.Builder
	for _, h := range e.Headers {
		b.WriteString(h.Key)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return append([]byte(b.String()), e.Body...)
}

// ExtractDomain returns the lowercased domain part of an address, or ""
// when the address has no domain.
func ExtractDomain(address string) string {
	address = strings.TrimSpace(address)
	if i := strings.LastIndex(address, "<"); i >= 0 {
		address = strings.TrimSuffix(address[i+1:], ">")
	}
	parts := strings.SplitN(address, "@", 2)
	if len(parts) != 2 || parts[1] == "" {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(parts[1]))
}

// NewIdentifier mints a short opaque mail identifier: a base64 raw-URL
// encoded UUID with an "i-" prefix.
func NewIdentifier() string {
	id := uuid.New()
	return "i-" + base64.RawURLEncoding.EncodeToString(id[:])
}
