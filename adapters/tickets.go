package adapters

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rtm/ports"
)

// TicketIssuer signs and verifies provider assignment tickets: short-lived proof
// that a node was actually handed a given subtask by this requestor, so a provider
// can present it back when uploading results without RTM needing to look anything
// up first.
type TicketIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTicketIssuer creates a ticket issuer. ttl defaults to one hour when zero.
func NewTicketIssuer(secret, issuer string, ttl time.Duration) *TicketIssuer {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TicketIssuer{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// TicketClaims are the fields carried by a signed assignment ticket.
type TicketClaims struct {
	TaskID    string
	SubtaskID string
	NodeID    string
	ExpiresAt time.Time
}

// Issue signs a ticket binding nodeID to (taskID, subtaskID) until ttl elapses.
func (t *TicketIssuer) Issue(taskID, subtaskID, nodeID string) (string, time.Time, error) {
	if len(t.secret) == 0 {
		return "", time.Time{}, errors.New("ticket signing secret not configured")
	}
	expiresAt := time.Now().Add(t.ttl)
	claims := jwt.MapClaims{
		"task_id":    taskID,
		"subtask_id": subtaskID,
		"node_id":    nodeID,
		"exp":        expiresAt.Unix(),
		"iss":        t.issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign ticket: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a ticket, returning its claims.
func (t *TicketIssuer) Verify(ticket string) (TicketClaims, error) {
	parsed, err := jwt.Parse(ticket, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return TicketClaims{}, fmt.Errorf("parse ticket: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return TicketClaims{}, errors.New("invalid ticket claims")
	}
	taskID, _ := claims["task_id"].(string)
	subtaskID, _ := claims["subtask_id"].(string)
	nodeID, _ := claims["node_id"].(string)
	expValue, _ := claims["exp"].(float64)
	return TicketClaims{
		TaskID:    taskID,
		SubtaskID: subtaskID,
		NodeID:    nodeID,
		ExpiresAt: time.Unix(int64(expValue), 0),
	}, nil
}

var _ ports.TicketIssuer = (*TicketIssuer)(nil)
