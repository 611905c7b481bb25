// Package notify publishes engine events to an external notifier
// service. Delivery is best-effort: the commit path never blocks on,
// and never fails because of, a notification.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nmoreau/covenant/internal/contract"
	"github.com/nmoreau/covenant/internal/risk"
)

// #region event
const (
	KindTransition = "transition"
	KindRiskChange = "risk_change"
)

// Event is one outbound notification.
type Event struct {
	Kind       string
	EntityID   string
	FromState  string
	ToState    string
	RiskScore  float64
	RiskLevel  string
	Origin     string
	Approver   string
	OccurredAt time.Time
}

// TransitionEvent builds an event from a committed decision log entry.
func TransitionEvent(entry contract.LogEntry) Event {
	return Event{
		Kind:       KindTransition,
		EntityID:   entry.EntityID,
		FromState:  string(entry.FromState),
		ToState:    string(entry.ToState),
		Origin:     string(entry.Origin),
		Approver:   entry.Approver,
		OccurredAt: entry.CreatedAt,
	}
}

// RiskChangeEvent builds an event for a risk level crossing.
func RiskChangeEvent(entityID string, a risk.Assessment, now time.Time) Event {
	return Event{
		Kind:       KindRiskChange,
		EntityID:   entityID,
		RiskScore:  a.Score,
		RiskLevel:  string(a.Level),
		OccurredAt: now,
	}
}

// #endregion event

// #region publisher
// Publisher delivers events to a notifier backend.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards every event. Used when notifications are disabled.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Emit publishes an event without surfacing failures to the caller.
// Errors are logged and swallowed so a dead notifier cannot veto a
// committed decision.
func Emit(p Publisher, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(context.Background(), ev); err != nil {
		log.Printf("[NOTIFY] publish %s for %s: %v", ev.Kind, ev.EntityID, err)
	}
}

// #endregion publisher

// #region client
const publishMethod = "/covenant.v1.Notifier/Publish"

// Client publishes over gRPC using dynamic struct payloads, so no
// generated stubs are required on either side.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewClient connects to the notifier gRPC server.
func NewClient(addr string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Publish sends one event, bounded by the client timeout.
func (c *Client) Publish(ctx context.Context, ev Event) error {
	payload, err := structpb.NewStruct(map[string]interface{}{
		"kind":        ev.Kind,
		"entity_id":   ev.EntityID,
		"from_state":  ev.FromState,
		"to_state":    ev.ToState,
		"risk_score":  ev.RiskScore,
		"risk_level":  ev.RiskLevel,
		"origin":      ev.Origin,
		"approver":    ev.Approver,
		"occurred_at": ev.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp structpb.Struct
	if err := c.conn.Invoke(ctx, publishMethod, payload, &resp); err != nil {
		return fmt.Errorf("publish rpc: %w", err)
	}
	return nil
}

// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// #endregion client
