package control

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/netguard/netguardd/internal/domain"
	"github.com/netguard/netguardd/internal/engine"
)

// Client is a synchronous control-channel client. Each call dials the
// daemon's control socket, performs one request and closes the connection.
type Client struct {
	socketPath string
}

// NewClient creates a client for the daemon at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Enable turns enforcement on.
func (c *Client) Enable() error {
	_, err := c.roundTrip(OpEnable, nil)
	return err
}

// Disable turns enforcement off.
func (c *Client) Disable() error {
	_, err := c.roundTrip(OpDisable, nil)
	return err
}

// GetPending retrieves pending connections, bounded by maxBytes of reply.
func (c *Client) GetPending(maxBytes uint32) ([]domain.PendingConnection, error) {
	payload := make([]byte, getPendingPayloadSize)
	binary.LittleEndian.PutUint32(payload, maxBytes)

	body, err := c.roundTrip(OpGetPending, payload)
	if err != nil {
		return nil, err
	}
	return DecodePendingRecords(body)
}

// Respond resolves a pending connection by id.
func (c *Client) Respond(id uint64, allowed, remember bool) error {
	payload := make([]byte, respondPayloadSize)
	binary.LittleEndian.PutUint64(payload[0:8], id)
	if allowed {
		payload[8] = 1
	}
	if remember {
		payload[9] = 1
	}

	_, err := c.roundTrip(OpRespond, payload)
	return err
}

// AddRule records an allow/block verdict for an executable path.
func (c *Client) AddRule(path string, verdict domain.Verdict) error {
	payload := make([]byte, addRulePayloadSize)
	if err := encodePath(payload[:MaxPathBytes], path); err != nil {
		return err
	}
	payload[MaxPathBytes] = verdictToByte(verdict)

	_, err := c.roundTrip(OpAddRule, payload)
	return err
}

// Stats fetches the engine counter snapshot.
func (c *Client) Stats() (domain.EngineStats, error) {
	body, err := c.roundTrip(OpStats, nil)
	if err != nil {
		return domain.EngineStats{}, err
	}
	return decodeStats(body)
}

func (c *Client) roundTrip(op byte, payload []byte) ([]byte, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to dial control socket: %w", err)
	}
	defer conn.Close()

	req := append([]byte{op}, payload...)
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("failed to send control request: %w", err)
	}

	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("failed to read control reply: %w", err)
	}

	bodyLen := binary.LittleEndian.Uint32(header[1:5])
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("failed to read control reply body: %w", err)
	}

	switch header[0] {
	case StatusOK:
		return body, nil
	case StatusNotFound:
		return nil, ErrNotFound
	case StatusFull:
		return nil, engine.ErrRegistryFull
	default:
		return nil, ErrMalformedRequest
	}
}
