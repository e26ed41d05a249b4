package relay

import (
	"bytes"
	"errors"
	"net/textproto"
	"testing"
	"time"

	"github.com/fenilsonani/mailrouter/internal/config"
	"github.com/fenilsonani/mailrouter/internal/model"
)

func TestClassify_PermanentReply(t *testing.T) {
	err := classify(&textproto.Error{Code: 550, Msg: "5.1.1 User unknown"})

	var permanent *PermanentError
	if !errors.As(err, &permanent) {
		t.Fatalf("classify returned %T, want PermanentError", err)
	}
	if permanent.Reply.Code != "550" {
		t.Errorf("code = %s", permanent.Reply.Code)
	}
	if permanent.Reply.EnhancedStatusCode != "5.1.1" {
		t.Errorf("enhanced = %s", permanent.Reply.EnhancedStatusCode)
	}
	if permanent.Reply.Message != "User unknown" {
		t.Errorf("message = %q", permanent.Reply.Message)
	}
}

func TestClassify_TransientReply(t *testing.T) {
	err := classify(&textproto.Error{Code: 450, Msg: "4.2.0 Greylisted, try again"})

	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("classify returned %T, want TransientError", err)
	}
	if transient.Reply.EnhancedStatusCode != "4.2.0" {
		t.Errorf("enhanced = %s", transient.Reply.EnhancedStatusCode)
	}
}

func TestClassify_ReplyWithoutEnhancedCode(t *testing.T) {
	err := classify(&textproto.Error{Code: 451, Msg: "Try again later"})

	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("classify returned %T", err)
	}
	if transient.Reply.EnhancedStatusCode != "" {
		t.Errorf("enhanced = %q, want empty", transient.Reply.EnhancedStatusCode)
	}
	if transient.Reply.Message != "Try again later" {
		t.Errorf("message = %q", transient.Reply.Message)
	}
}

func TestClassify_IOErrorIsTransient(t *testing.T) {
	err := classify(errors.New("read: connection reset by peer"))

	var transient *TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("classify returned %T, want TransientError", err)
	}
	if transient.Reply.Code != "450" {
		t.Errorf("code = %s", transient.Reply.Code)
	}
	if transient.Reply.EnhancedStatusCode != "4.0.0" {
		t.Errorf("enhanced = %s", transient.Reply.EnhancedStatusCode)
	}
}

func TestClassify_Nil(t *testing.T) {
	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := newBreaker(3, time.Hour)

	for i := 0; i < 3; i++ {
		if !b.allow("example.com") {
			t.Fatalf("breaker opened early at failure %d", i)
		}
		b.failure("example.com")
	}
	if b.allow("example.com") {
		t.Error("breaker should be open after reaching the threshold")
	}
	// Other domains are unaffected.
	if !b.allow("example.net") {
		t.Error("breaker must be per-domain")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b := newBreaker(3, time.Hour)

	b.failure("example.com")
	b.failure("example.com")
	b.success("example.com")
	b.failure("example.com")
	b.failure("example.com")
	if !b.allow("example.com") {
		t.Error("success should have reset the failure count")
	}
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := newBreaker(1, time.Millisecond)

	b.failure("example.com")
	if b.allow("example.com") {
		t.Fatal("breaker should be open")
	}
	time.Sleep(5 * time.Millisecond)
	if !b.allow("example.com") {
		t.Error("breaker should allow one attempt after the cooldown")
	}
}

func newPrepareRelay() *MXSmtpRelay {
	cfg := config.DefaultConfig()
	cfg.MX.EhloAs = "relay.source.test"
	cfg.MX.SrcAddr = "10.0.0.1"
	cfg.Headers.Blacklisted = []string{"X-Internal-Secret"}
	cfg.Policies.Relay = []string{"headers"}
	return NewMXSmtpRelay(cfg, nil, nil)
}

func TestPrepare_StripsBlacklistedHeaders(t *testing.T) {
	r := newPrepareRelay()
	env := &model.Envelope{
		Sender:    "a@example.com",
		Recipient: "b@example.net",
		Headers: []model.Header{
			{Key: "From", Value: "a@example.com"},
			{Key: "x-internal-secret", Value: "hunter2"},
			{Key: "To", Value: "b@example.net"},
		},
		Body: []byte("body\r\n"),
	}

	data, err := r.prepare(env)
	if err != nil {
		t.Fatal(err)
	}
	if containsLine(data, "hunter2") {
		t.Error("blacklisted header survived, removal must be case-insensitive")
	}
}

func TestPrepare_EncodesSubjectOnce(t *testing.T) {
	r := newPrepareRelay()
	env := &model.Envelope{
		Sender:    "a@example.com",
		Recipient: "b@example.net",
		Headers: []model.Header{
			{Key: "From", Value: "a@example.com"},
			{Key: "Subject", Value: "héllo wörld"},
		},
		Body: []byte("body\r\n"),
	}

	data, err := r.prepare(env)
	if err != nil {
		t.Fatal(err)
	}
	if !containsLine(data, "=?utf-8?q?") {
		t.Errorf("subject not Q-encoded: %s", data)
	}

	// ASCII subjects stay untouched.
	env2 := &model.Envelope{
		Sender:    "a@example.com",
		Recipient: "b@example.net",
		Headers: []model.Header{
			{Key: "Subject", Value: "plain subject"},
		},
		Body: []byte("body\r\n"),
	}
	data2, err := r.prepare(env2)
	if err != nil {
		t.Fatal(err)
	}
	if !containsLine(data2, "Subject: plain subject") {
		t.Errorf("ascii subject was re-encoded: %s", data2)
	}
}

func TestPrepare_NormalizesBareLF(t *testing.T) {
	r := newPrepareRelay()
	env := &model.Envelope{
		Sender:    "a@example.com",
		Recipient: "b@example.net",
		Headers:   []model.Header{{Key: "From", Value: "a@example.com"}},
		Body:      []byte("line one\nline two\n"),
	}

	data, err := r.prepare(env)
	if err != nil {
		t.Fatal(err)
	}
	if !containsLine(data, "line one\r\nline two\r\n") {
		t.Errorf("bare LF survived: %q", data)
	}
}

func containsLine(data []byte, needle string) bool {
	return bytes.Contains(data, []byte(needle))
}
