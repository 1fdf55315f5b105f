package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeready-toolchain/pilotd/pkg/fsstore"
)

// MaxLineBytes bounds a single bus line; longer lines are dropped with a
// warning rather than appended, per §4.3.
const MaxLineBytes = 256 * 1024

// Bus is the append-only event log rooted at <projectRoot>/messages.
type Bus struct {
	dir     string
	logger  *slog.Logger
}

// New returns a Bus rooted at <projectRoot>/messages/bus.jsonl, with
// offsets tracked under <projectRoot>/messages/offsets/.
func New(projectRoot string) *Bus {
	return &Bus{
		dir:    filepath.Join(projectRoot, "messages"),
		logger: slog.Default().With("component", "bus"),
	}
}

func (b *Bus) logPath() string {
	return filepath.Join(b.dir, "bus.jsonl")
}

func (b *Bus) offsetPath(consumer string) string {
	return filepath.Join(b.dir, "offsets", consumer+".json")
}

// PublishInput is the caller-supplied content of a new event; ID and TS
// are assigned by Publish.
type PublishInput struct {
	Type     Type
	From     string
	To       string
	Topic    string
	Priority Priority
	TTLMS    int64
	Payload  any
}

// Publish appends a new event to the bus. A nil/zero Priority defaults to
// normal; a nil payload marshals to null.
func (b *Bus) Publish(in PublishInput) (Event, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("bus: marshal payload for topic %s: %w", in.Topic, err)
	}
	priority := in.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	ev := Event{
		ID:       NewEventID(),
		TS:       time.Now().UTC(),
		Type:     in.Type,
		From:     in.From,
		To:       in.To,
		Topic:    in.Topic,
		Priority: priority,
		TTLMS:    in.TTLMS,
		Payload:  payload,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("bus: marshal event: %w", err)
	}
	if len(line) > MaxLineBytes {
		b.logger.Warn("dropping oversized event", "topic", in.Topic, "bytes", len(line))
		return Event{}, fmt.Errorf("bus: event exceeds max line length (%d > %d)", len(line), MaxLineBytes)
	}

	if err := fsstore.AppendJSONL(b.logPath(), ev); err != nil {
		return Event{}, fmt.Errorf("bus: append: %w", err)
	}
	return ev, nil
}

// Offset returns the persisted byte offset for consumer, or 0 if none
// has been recorded yet.
func (b *Bus) Offset(consumer string) (int64, error) {
	var rec struct {
		Offset int64 `json:"offset"`
	}
	ok, err := fsstore.ReadJSON(b.offsetPath(consumer), &rec)
	if err != nil {
		// corrupt-state: resume from zero rather than fail the consumer.
		return 0, nil
	}
	if !ok {
		return 0, nil
	}
	return rec.Offset, nil
}

// CommitOffset persists consumer's new read offset.
func (b *Bus) CommitOffset(consumer string, offset int64) error {
	rec := struct {
		Offset int64 `json:"offset"`
	}{Offset: offset}
	return fsstore.WriteJSON(b.offsetPath(consumer), rec)
}

// Routed reports whether event is deliverable to consumer given its
// routing target: "PM" consumed by PM only, "*" broadcast to everyone,
// otherwise point-to-point by session id.
func Routed(ev Event, consumer string) bool {
	switch ev.To {
	case ToBroadcast:
		return true
	case ToPM:
		return consumer == ToPM
	default:
		return ev.To == consumer
	}
}

// MatchesPrefix reports whether prefix is ev.Topic or a dotted-namespace
// ancestor of it (subscription by prefix, per §4.3).
func MatchesPrefix(ev Event, prefix string) bool {
	if prefix == "" {
		return true
	}
	return ev.Topic == prefix || strings.HasPrefix(ev.Topic, prefix+".")
}

// Poll reads every new, unexpired, routed event for consumer since its
// last committed offset, invokes fn for each in append order, and
// commits the new offset after fn returns without error for all of
// them. A handler error stops the scan at that event; already-processed
// events in this call remain committed (at-least-once, not
// exactly-once, matching §4.3's delivery guarantee).
func (b *Bus) Poll(consumer string, fn func(Event) error) error {
	off, err := b.Offset(consumer)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	newOff, err := fsstore.ReadJSONLFrom(b.logPath(), off, func(line []byte) error {
		var ev Event
		if jerr := json.Unmarshal(line, &ev); jerr != nil {
			b.logger.Warn("skipping malformed bus line", "error", jerr)
			return nil
		}
		if ev.Expired(now) {
			return nil
		}
		if !Routed(ev, consumer) {
			return nil
		}
		return fn(ev)
	})
	if cerr := b.CommitOffset(consumer, newOff); cerr != nil {
		return cerr
	}
	return err
}
