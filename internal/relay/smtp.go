package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"time"

	"github.com/fenilsonani/mailrouter/internal/config"
	"github.com/fenilsonani/mailrouter/internal/logging"
	"github.com/fenilsonani/mailrouter/internal/model"
	"github.com/fenilsonani/mailrouter/internal/security"
)

// MXSmtpRelay delivers envelopes via the recipient domain's MX hosts,
// dialing from the worker's source address and applying the relay
// policy chain first.
type MXSmtpRelay struct {
	cfg      *config.Config
	resolver *MXResolver
	signer   *security.DKIMSigner
	breaker  *breaker
	logger   *logging.Logger
	ehlo     string
	srcAddr  string
}

// NewMXSmtpRelay builds the relay for one MX worker. The signer may be
// nil when the dkim relay policy is not configured.
func NewMXSmtpRelay(cfg *config.Config, signer *security.DKIMSigner, logger *logging.Logger) *MXSmtpRelay {
	if logger == nil {
		logger = logging.Default()
	}
	return &MXSmtpRelay{
		cfg: cfg,
		resolver: NewMXResolver(MXResolverConfig{
			ForceMX: cfg.Relay.ForceMX,
		}),
		signer:  signer,
		breaker: newBreaker(5, 5*time.Minute),
		logger:  logger.Delivery(),
		ehlo:    cfg.MX.EhloAs,
		srcAddr: cfg.MX.SrcAddr,
	}
}

// Ehlo returns the EHLO name this relay presents.
func (r *MXSmtpRelay) Ehlo() string { return r.ehlo }

// Attempt applies the relay policies, resolves the MXes and transmits
// the envelope, trying each exchanger in preference order.
func (r *MXSmtpRelay) Attempt(ctx context.Context, envelope *model.Envelope, attempts int) (*model.Reply, error) {
	data, err := r.prepare(envelope)
	if err != nil {
		return nil, &PermanentError{Reply: model.Reply{
			Code:               "554",
			EnhancedStatusCode: "5.0.0",
			Message:            "Could not prepare envelope: " + err.Error(),
		}}
	}

	domain := model.ExtractDomain(envelope.Recipient)
	if domain == "" {
		return nil, &PermanentError{Reply: model.Reply{
			Code:               "553",
			EnhancedStatusCode: "5.1.3",
			Message:            "Invalid recipient address",
		}}
	}

	if !r.breaker.allow(domain) {
		return nil, &TransientError{Reply: model.Reply{
			Code:               "451",
			EnhancedStatusCode: "4.4.1",
			Message:            "Delivery to " + domain + " suspended after repeated failures",
		}}
	}

	r.logger.InfoContext(ctx, "Attempting delivery",
		"from", envelope.Sender,
		"to", envelope.Recipient,
		"attempt", attempts,
	)

	mxHosts, err := r.resolver.Lookup(ctx, domain)
	if err != nil {
		r.breaker.failure(domain)
		return nil, classify(fmt.Errorf("MX lookup failed for %s: %w", domain, err))
	}

	var lastErr error
	for _, mx := range mxHosts {
		reply, err := r.deliverToHost(ctx, mx.Host, envelope, data)
		if err == nil {
			r.breaker.success(domain)
			return reply, nil
		}
		if _, permanent := err.(*PermanentError); permanent {
			r.breaker.success(domain)
			return nil, err
		}
		lastErr = err
		r.logger.DebugContext(ctx, "MX attempt failed, trying next",
			"host", mx.Host,
			"error", err.Error(),
		)
	}

	r.breaker.failure(domain)
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, classify(ErrAllMXFailed)
}

// prepare applies the relay policy chain and flattens the envelope:
// blacklisted headers removed, the Subject re-encoded once so non-ASCII
// text survives as quoted-printable UTF-8, bare LF normalized to CRLF,
// and the result DKIM-signed when the policy is configured.
func (r *MXSmtpRelay) prepare(envelope *model.Envelope) ([]byte, error) {
	for _, name := range r.cfg.Policies.Relay {
		switch name {
		case "headers":
			for _, header := range r.cfg.Headers.Blacklisted {
				envelope.Del(header)
			}
		case "dkim":
			// Applied below, on the flattened message.
		}
	}

	if subject := envelope.Get("Subject"); subject != "" {
		envelope.Set("Subject", mime.QEncoding.Encode("utf-8", subject))
	}

	envelope.Body = security.NormalizeCRLF(envelope.Body)
	data := envelope.Flatten()

	if r.signer != nil && relayPolicyEnabled(r.cfg.Policies.Relay, "dkim") {
		domain := model.ExtractDomain(envelope.Sender)
		signed, err := r.signer.Sign(domain, data, func(h string) bool {
			return envelope.Get(h) != ""
		})
		if err != nil {
			return nil, fmt.Errorf("DKIM signing failed: %w", err)
		}
		data = signed
	}

	return data, nil
}

func relayPolicyEnabled(chain []string, name string) bool {
	for _, p := range chain {
		if p == name {
			return true
		}
	}
	return false
}

// deliverToHost performs one SMTP dialogue with a single exchanger.
func (r *MXSmtpRelay) deliverToHost(ctx context.Context, hostname string, envelope *model.Envelope, data []byte) (*model.Reply, error) {
	dialer := &net.Dialer{
		Timeout: r.cfg.RelayTimeout("connect_timeout"),
	}
	if r.srcAddr != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(r.srcAddr)}
	}

	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(hostname, "25"))
	if err != nil {
		return nil, classify(fmt.Errorf("connection failed: %w", err))
	}
	defer conn.Close()

	if t := r.cfg.RelayTimeout("command_timeout"); t > 0 {
		conn.SetDeadline(time.Now().Add(t))
	}

	client, err := smtp.NewClient(conn, hostname)
	if err != nil {
		return nil, classify(err)
	}
	defer client.Close()

	if err := client.Hello(r.ehlo); err != nil {
		return nil, classify(err)
	}

	// Opportunistic STARTTLS
	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName:         hostname,
			InsecureSkipVerify: !r.cfg.Relay.VerifyTLS,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			if r.cfg.Relay.RequireTLS {
				return nil, classify(fmt.Errorf("STARTTLS required but failed: %w", err))
			}
			r.logger.DebugContext(ctx, "STARTTLS failed, continuing without TLS",
				"host", hostname,
				"error", err.Error(),
			)
		}
	} else if r.cfg.Relay.RequireTLS {
		return nil, &TransientError{Reply: model.Reply{
			Code:               "450",
			EnhancedStatusCode: "4.7.0",
			Message:            "STARTTLS required but not supported by " + hostname,
		}}
	}

	if err := client.Mail(envelope.Sender); err != nil {
		return nil, classify(err)
	}
	if err := client.Rcpt(envelope.Recipient); err != nil {
		return nil, classify(err)
	}

	w, err := client.Data()
	if err != nil {
		return nil, classify(err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, classify(err)
	}
	if err := w.Close(); err != nil {
		return nil, classify(err)
	}

	client.Quit()

	return &model.Reply{
		Code:               "250",
		EnhancedStatusCode: "2.0.0",
		Message:            "Ok: queued by " + hostname,
	}, nil
}
