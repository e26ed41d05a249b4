// Package relay implements outbound SMTP delivery via the recipient
// domain's MX hosts, applying the relay policy chain before
// transmission.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"regexp"
	"strings"

	"github.com/fenilsonani/mailrouter/internal/model"
)

// Common errors
var (
	ErrNoMXRecords   = errors.New("no MX records found")
	ErrInvalidDomain = errors.New("invalid domain")
	ErrAllMXFailed   = errors.New("all MX servers failed")
	ErrCircuitOpen   = errors.New("circuit breaker open for domain")
)

// Relay transmits one envelope to its recipient's MX, returning the
// server reply on success, or a TransientError / PermanentError
// carrying the reply on failure.
type Relay interface {
	Attempt(ctx context.Context, envelope *model.Envelope, attempts int) (*model.Reply, error)
}

// TransientError is a 4xx-class delivery failure: the envelope will be
// re-routed after back-off.
type TransientError struct {
	Reply model.Reply
}

func (e *TransientError) Error() string {
	return "transient relay error: " + e.Reply.String()
}

// PermanentError is a 5xx-class delivery failure: the envelope bounces.
type PermanentError struct {
	Reply model.Reply
}

func (e *PermanentError) Error() string {
	return "permanent relay error: " + e.Reply.String()
}

// enhancedCodeRE matches a leading RFC 3463 enhanced status code.
var enhancedCodeRE = regexp.MustCompile(`^([245]\.\d{1,3}\.\d{1,3})\s+`)

// replyFromSMTPError converts a protocol error into a Reply, splitting
// off the enhanced status code when the server sent one.
func replyFromSMTPError(err *textproto.Error) model.Reply {
	message := strings.TrimSpace(err.Msg)
	enhanced := ""
	if m := enhancedCodeRE.FindStringSubmatch(message); m != nil {
		enhanced = m[1]
		message = strings.TrimSpace(message[len(m[0]):])
	}
	return model.Reply{
		Code:               fmt.Sprintf("%d", err.Code),
		EnhancedStatusCode: enhanced,
		Message:            message,
	}
}

// classify maps an SMTP dialogue error to the transient/permanent
// taxonomy. Anything that is not a 5xx protocol reply is transient:
// connection resets, DNS failures and 4xx replies all come back for
// another attempt.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var proto *textproto.Error
	if errors.As(err, &proto) {
		reply := replyFromSMTPError(proto)
		if proto.Code >= 500 {
			return &PermanentError{Reply: reply}
		}
		return &TransientError{Reply: reply}
	}
	return &TransientError{Reply: model.Reply{
		Code:               "450",
		EnhancedStatusCode: "4.0.0",
		Message:            "Unhandled delivery error: " + err.Error(),
	}}
}
