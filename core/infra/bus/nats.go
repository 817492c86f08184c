package bus

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsBus is a thin wrapper over a NATS connection that speaks JSON events.
// Audit subjects are durable when JetStream is enabled, giving the audit
// trail at-least-once delivery to consumers.
type NatsBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	jsEnabled bool
	ackWait   time.Duration
}

const (
	envUseJetStream = "NATS_USE_JETSTREAM"
	envJSAckWait    = "NATS_JS_ACK_WAIT"
	envJSMaxAge     = "NATS_JS_MAX_AGE"

	defaultAckWait = 2 * time.Minute
	defaultMaxAge  = 30 * 24 * time.Hour

	streamAudit = "POLVER_AUDIT"

	// SubjectAuditPrefix roots every audit subject, e.g.
	// policy.audit.version.created.
	SubjectAuditPrefix = "policy.audit."
	// SubjectReload notifies enforcement points that a branch head moved.
	SubjectReload = "policy.reload"
)

var (
	errNilBus     = errors.New("nats bus not initialized")
	errEmptyTopic = errors.New("empty subject")
)

// NewNatsBus dials NATS at the provided URL.
func NewNatsBus(url string) (*NatsBus, error) {
	opts := []nats.Option{
		nats.Name("polver-bus"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("[BUS] disconnected from NATS: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] reconnected to NATS at %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Printf("[BUS] connection closed")
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	b := &NatsBus{nc: nc, ackWait: defaultAckWait}
	b.initJetStreamFromEnv()
	return b, nil
}

// Close shuts down the underlying NATS connection.
func (b *NatsBus) Close() {
	if b != nil && b.nc != nil {
		b.nc.Close()
	}
}

// Publish sends a JSON-encoded event on the given subject. Audit subjects
// use a deduplicating message id when the event exposes one.
func (b *NatsBus) Publish(subject string, event any) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if b.jsEnabled && isDurableSubject(subject) {
		if msgID := eventID(event); msgID != "" {
			_, err = b.js.Publish(subject, data, nats.MsgId(msgID))
		} else {
			_, err = b.js.Publish(subject, data)
		}
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe attaches a subscription that decodes JSON into raw messages and
// invokes the handler. Durable subjects are consumed with explicit ack/nak
// semantics when JetStream is enabled.
func (b *NatsBus) Subscribe(subject, queue string, handler func(subject string, data []byte) error) error {
	if b == nil || b.nc == nil {
		return errNilBus
	}
	if subject == "" {
		return errEmptyTopic
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	if b.jsEnabled && isDurableSubject(subject) {
		cb := func(msg *nats.Msg) {
			if err := handler(msg.Subject, msg.Data); err != nil {
				if delay, ok := RetryDelay(err); ok {
					if delay > 0 {
						_ = msg.NakWithDelay(delay)
					} else {
						_ = msg.Nak()
					}
					return
				}
				log.Printf("nats bus: handler error (ack): %v", err)
			}
			_ = msg.Ack()
		}
		opts := []nats.SubOpt{
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.AckWait(b.ackWait),
			nats.MaxAckPending(1024),
		}
		if durable := durableName(subject, queue); durable != "" {
			opts = append(opts, nats.Durable(durable))
		}
		var err error
		if queue == "" {
			_, err = b.js.Subscribe(subject, cb, opts...)
		} else {
			_, err = b.js.QueueSubscribe(subject, queue, cb, opts...)
		}
		return err
	}

	cb := func(msg *nats.Msg) {
		if err := handler(msg.Subject, msg.Data); err != nil {
			log.Printf("nats bus: handler error: %v", err)
		}
	}
	if queue == "" {
		_, err := b.nc.Subscribe(subject, cb)
		return err
	}
	_, err := b.nc.QueueSubscribe(subject, queue, cb)
	return err
}

func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) ConnectedURL() string {
	if b == nil || b.nc == nil {
		return ""
	}
	return b.nc.ConnectedUrl()
}

func initJetStreamEnabled() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envUseJetStream))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func (b *NatsBus) initJetStreamFromEnv() {
	if b == nil || b.nc == nil {
		return
	}
	if !initJetStreamEnabled() {
		return
	}
	ackWait := defaultAckWait
	if v := strings.TrimSpace(os.Getenv(envJSAckWait)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			ackWait = d
		}
	}
	maxAge := defaultMaxAge
	if v := strings.TrimSpace(os.Getenv(envJSMaxAge)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			maxAge = d
		}
	}

	js, err := b.nc.JetStream()
	if err != nil {
		log.Printf("[BUS] jetstream init failed: %v", err)
		return
	}
	if _, err := js.AccountInfo(); err != nil {
		log.Printf("[BUS] jetstream not available: %v", err)
		return
	}

	// Ensure the audit stream exists (best-effort).
	_, err = js.AddStream(&nats.StreamConfig{
		Name:       streamAudit,
		Subjects:   []string{SubjectAuditPrefix + ">"},
		Retention:  nats.LimitsPolicy,
		Storage:    nats.FileStorage,
		MaxAge:     maxAge,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		if _, infoErr := js.StreamInfo(streamAudit); infoErr != nil {
			log.Printf("[BUS] jetstream ensure stream failed name=%s: %v", streamAudit, err)
			return
		}
	}

	b.js = js
	b.jsEnabled = true
	b.ackWait = ackWait
	log.Printf("[BUS] jetstream enabled ack_wait=%s", ackWait)
}

func isDurableSubject(subject string) bool {
	return strings.HasPrefix(subject, SubjectAuditPrefix)
}

func durableName(subject, queue string) string {
	name := strings.ReplaceAll(subject, ".", "_")
	name = strings.ReplaceAll(name, "*", "STAR")
	name = strings.ReplaceAll(name, ">", "GT")
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if queue == "" {
		return "dur_" + name
	}
	q := strings.ReplaceAll(queue, ".", "_")
	q = strings.ReplaceAll(q, "*", "STAR")
	q = strings.ReplaceAll(q, ">", "GT")
	q = strings.TrimSpace(q)
	if q == "" {
		return "dur_" + name
	}
	return "dur_" + q + "__" + name
}

// eventID extracts a stable id from events that expose one, used for
// JetStream deduplication on resubmit.
func eventID(event any) string {
	type ider interface{ EventID() string }
	if e, ok := event.(ider); ok {
		return strings.TrimSpace(e.EventID())
	}
	return ""
}
