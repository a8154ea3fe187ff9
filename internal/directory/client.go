package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"solary/internal/models"
)

// ErrNoRemoteID indicates the casier was never seen in a Directory fetch, so
// there is nothing to address a remote update to.
var ErrNoRemoteID = errors.New("directory: no remote id for casier")

// Client talks to the remote Directory holding the authoritative reservation
// records. All calls carry a bounded timeout; transport or decode failures
// degrade the connectivity flag instead of propagating beyond the error
// return.
type Client struct {
	baseURL    string
	apiKey     string
	terminalID string
	client     *http.Client
	logger     *zap.Logger

	mu        sync.RWMutex
	connected bool
	snapshot  []models.LockerRecord
	lastSync  time.Time
}

type casierDTO struct {
	ID            string `json:"id"`
	BorneID       string `json:"borne_id"`
	Numero        int    `json:"numero"`
	Statut        string `json:"statut"`
	UtilisateurID string `json:"utilisateur_id"`
	// IsAvailable is the legacy boolean protocol variant, consulted only
	// when statut is absent.
	IsAvailable *bool `json:"is_available,omitempty"`
}

type userDTO struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

// NewClient builds the Directory client.
func NewClient(baseURL, apiKey, terminalID string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		terminalID: terminalID,
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// FetchAll retrieves every casier belonging to this terminal, sorted by the
// remote ordinal so local index order is stable across calls. The result is
// cached to resolve remote ids and user bindings per index.
func (c *Client) FetchAll(ctx context.Context) ([]models.LockerRecord, error) {
	var payload struct {
		Casiers []casierDTO `json:"casiers"`
	}
	if err := c.get(ctx, "/casiers", &payload); err != nil {
		return nil, err
	}

	var mine []casierDTO
	for _, dto := range payload.Casiers {
		if dto.BorneID == c.terminalID {
			mine = append(mine, dto)
		}
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].Numero < mine[j].Numero })

	records := make([]models.LockerRecord, 0, len(mine))
	for i, dto := range mine {
		status, ok := models.ParseStatus(dto.Statut)
		if !ok && dto.IsAvailable != nil {
			status = models.StatusOccupied
			if *dto.IsAvailable {
				status = models.StatusFree
			}
		}
		records = append(records, models.LockerRecord{
			Index:    i,
			Status:   status,
			UserID:   dto.UtilisateurID,
			RemoteID: dto.ID,
		})
	}

	c.mu.Lock()
	c.snapshot = records
	c.lastSync = time.Now()
	c.mu.Unlock()

	return records, nil
}

// PushStatus writes a status transition for the casier at the given local
// index. Field clearing depends on the target status: Free drops the user
// binding and both timestamps, Occupied drops the user and stamps the
// occupation time, Reserved leaves the existing binding untouched.
func (c *Client) PushStatus(ctx context.Context, index int, status models.LockerStatus) error {
	remoteID := c.remoteID(index)
	if remoteID == "" {
		return ErrNoRemoteID
	}

	body := map[string]interface{}{"statut": string(status)}
	switch status {
	case models.StatusFree:
		body["utilisateur_id"] = nil
		body["date_reservation"] = nil
		body["date_occupation"] = nil
	case models.StatusOccupied:
		body["utilisateur_id"] = nil
		body["date_occupation"] = time.Now().UTC().Format(time.RFC3339)
	case models.StatusReserved:
		body["date_reservation"] = time.Now().UTC().Format(time.RFC3339)
	}

	return c.send(ctx, http.MethodPut, fmt.Sprintf("/casiers/%s", remoteID), body)
}

// ResolveUserCode looks up the unlock code bound to a user. An empty code
// with nil error means the user has no code.
func (c *Client) ResolveUserCode(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("directory: empty user id")
	}
	var user userDTO
	if err := c.get(ctx, fmt.Sprintf("/utilisateurs/%s", userID), &user); err != nil {
		return "", err
	}
	return user.Code, nil
}

// Verify resolves the casier's bound user and that user's code, then compares
// with exact string equality. Any resolution failure yields "not verified".
func (c *Client) Verify(ctx context.Context, index int, enteredCode string) bool {
	c.mu.RLock()
	var userID string
	if index >= 0 && index < len(c.snapshot) {
		userID = c.snapshot[index].UserID
	}
	c.mu.RUnlock()

	if userID == "" {
		return false
	}

	code, err := c.ResolveUserCode(ctx, userID)
	if err != nil {
		c.logger.Warn("code resolution failed", zap.Int("casier", index), zap.Error(err))
		return false
	}
	return code != "" && code == enteredCode
}

// LogAction forwards an audit entry to the Directory, best-effort.
func (c *Client) LogAction(ctx context.Context, index int, kind string, details map[string]interface{}) {
	body := map[string]interface{}{
		"borne_id":  c.terminalID,
		"casier_id": index,
		"action":    kind,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"details":   details,
	}
	if err := c.send(ctx, http.MethodPost, "/logs", body); err != nil {
		c.logger.Warn("action log forwarding failed", zap.String("action", kind), zap.Error(err))
	}
}

// SendHeartbeat reports the terminal as online.
func (c *Client) SendHeartbeat(ctx context.Context) error {
	body := map[string]interface{}{
		"borne_id":  c.terminalID,
		"status":    "online",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	return c.send(ctx, http.MethodPost, fmt.Sprintf("/bornes/%s/heartbeat", c.terminalID), body)
}

// IsConnected reports whether the last Directory call succeeded.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LastSync returns when the last successful fetch completed.
func (c *Client) LastSync() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync
}

func (c *Client) remoteID(index int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if index < 0 || index >= len(c.snapshot) {
		return ""
	}
	return c.snapshot[index].RemoteID
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.setConnected(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.setConnected(false)
		return fmt.Errorf("directory: GET %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.setConnected(false)
		return fmt.Errorf("directory: decode %s: %w", path, err)
	}
	c.setConnected(true)
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.setConnected(false)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		c.setConnected(false)
		return fmt.Errorf("directory: %s %s returned status %d", method, path, resp.StatusCode)
	}
	c.setConnected(true)
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Solary-Borne/2.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) setConnected(ok bool) {
	c.mu.Lock()
	c.connected = ok
	c.mu.Unlock()
}
