package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/akylbek/payment-system/marketplace-core/internal/models"
)

// Requester is the request/reply subset of *nats.Conn.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSReputation asks the reputation service about an address over NATS
// request/reply.
type NATSReputation struct {
	conn    Requester
	subject string
	timeout time.Duration
}

type reputationRequest struct {
	IP string `json:"ip"`
}

func NewNATSReputation(conn Requester, subject string, timeout time.Duration) *NATSReputation {
	if subject == "" {
		subject = "fraud.ip_reputation"
	}
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &NATSReputation{conn: conn, subject: subject, timeout: timeout}
}

func (r *NATSReputation) Lookup(ctx context.Context, ip string) (*models.IPReputation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := json.Marshal(reputationRequest{IP: ip})
	if err != nil {
		return nil, err
	}
	msg, err := r.conn.RequestWithContext(ctx, r.subject, req)
	if err != nil {
		return nil, fmt.Errorf("reputation request: %w", err)
	}

	var rep models.IPReputation
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		return nil, fmt.Errorf("decode reputation reply: %w", err)
	}
	return &rep, nil
}
