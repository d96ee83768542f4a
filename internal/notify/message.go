package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/org/partnerlock/pkg/models"
)

// Payload types carried in Message.Payload.Type.
const (
	TypeAccessRequest  = "access_request"
	TypeAccessGranted  = "access_granted"
	TypeAccessDenied   = "access_denied"
	TypeAccessRevoked  = "access_revoked"
	TypeRequestExpired = "request_expired"
)

// Payload is the structured part of a notice that client apps act on.
type Payload struct {
	Type            string     `json:"type"`
	RequestID       string     `json:"request_id,omitempty"`
	RequesterName   string     `json:"requester_name,omitempty"`
	Resource        string     `json:"resource,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	RevokeReason    string     `json:"revoke_reason,omitempty"`
}

// Message is what a transport delivers to one recipient.
type Message struct {
	Title   string  `json:"title"`
	Body    string  `json:"body"`
	Payload Payload `json:"payload"`
}

// Notice is a message addressed to a principal.
type Notice struct {
	RecipientID string  `json:"recipient_id"`
	Message     Message `json:"message"`
}

// Transport delivers a message to a channel address. Implementations make a
// single attempt; retries belong to the dispatcher.
type Transport interface {
	Send(ctx context.Context, address string, msg Message) error
}

func accessRequestMessage(r *models.AccessRequest) Message {
	target := r.Resource
	if target == "" {
		target = "blocked apps"
	}
	body := fmt.Sprintf("%s is requesting access to %s", r.RequesterName, target)
	if r.Reason != "" {
		body += " - " + r.Reason
	}
	expires := r.ExpiresAt
	return Message{
		Title: "Access Request from " + r.RequesterName,
		Body:  body,
		Payload: Payload{
			Type:            TypeAccessRequest,
			RequestID:       r.ID,
			RequesterName:   r.RequesterName,
			Resource:        r.Resource,
			Reason:          r.Reason,
			DurationMinutes: r.DurationMinutes,
			ExpiresAt:       &expires,
		},
	}
}

func decisionMessage(r *models.AccessRequest, d models.Decision) Message {
	if d == models.DecisionApprove {
		return Message{
			Title: "Access Granted",
			Body:  fmt.Sprintf("Your accountability partner approved your request for %d minutes", r.DurationMinutes),
			Payload: Payload{
				Type:            TypeAccessGranted,
				RequestID:       r.ID,
				Resource:        r.Resource,
				DurationMinutes: r.DurationMinutes,
			},
		}
	}
	return Message{
		Title:   "Request Denied",
		Body:    "Your accountability partner denied your request",
		Payload: Payload{Type: TypeAccessDenied, RequestID: r.ID, Resource: r.Resource},
	}
}

func revocationMessage(g *models.AccessGrant) Message {
	body := "Your temporary access has ended"
	if g.RevokeReason == models.RevokeManualEarlyRevoke {
		body = "Your temporary access was ended early"
	}
	return Message{
		Title: "Access Ended",
		Body:  body,
		Payload: Payload{
			Type:         TypeAccessRevoked,
			RequestID:    g.ID,
			Resource:     g.Resource,
			RevokeReason: string(g.RevokeReason),
		},
	}
}

func expiredMessage(r *models.AccessRequest) Message {
	return Message{
		Title:   "Request Expired",
		Body:    "Your access request expired before your accountability partner answered",
		Payload: Payload{Type: TypeRequestExpired, RequestID: r.ID, Resource: r.Resource},
	}
}
