package netctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"github.com/hotspotfox/HotspotFox/app/models"
)

// UnifiClient talks to a UniFi-style controller API. Login state lives in a
// cookie jar; an expired session is re-established transparently once per
// call instead of surfacing a raw auth error.
type UnifiClient struct {
	BaseURL  string
	Site     string
	Username string
	Password string

	HTTPClient *http.Client

	loginMu  sync.Mutex
	loggedIn bool
}

// NewUnifiClientFromSettings builds an adapter from a resolved settings
// snapshot.
func NewUnifiClientFromSettings(settings *models.AppSettings) *UnifiClient {
	baseURL, site, username, password := settings.ControllerConfig()
	if site == "" {
		site = "default"
	}
	jar, _ := cookiejar.New(nil)
	return &UnifiClient{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Site:     site,
		Username: username,
		Password: password,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
			Jar:     jar,
		},
	}
}

func (c *UnifiClient) login(ctx context.Context) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	if c.BaseURL == "" {
		return errors.New("controller base URL is not configured")
	}

	body, err := json.Marshal(map[string]string{
		"username": c.Username,
		"password": c.Password,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("controller login failed: status=%d", resp.StatusCode)
	}
	c.loggedIn = true
	return nil
}

// isLoggedIn reads the session flag under the login lock; one client is
// shared by all queue workers and the sweeper.
func (c *UnifiClient) isLoggedIn() bool {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	return c.loggedIn
}

func (c *UnifiClient) invalidateSession() {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	c.loggedIn = false
}

// doCommand posts a JSON command, logging in on demand and retrying exactly
// once after a 401 so session expiry never reaches the caller.
func (c *UnifiClient) doCommand(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	if !c.isLoggedIn() {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
	}

	body, err := c.doRequest(ctx, path, payload)
	if err == nil {
		return body, nil
	}
	if !errors.Is(err, errUnauthorized) {
		return nil, err
	}

	// Session expired: re-authenticate once and retry.
	c.invalidateSession()
	if err := c.login(ctx); err != nil {
		return nil, err
	}
	return c.doRequest(ctx, path, payload)
}

var errUnauthorized = errors.New("controller session unauthorized")

func (c *UnifiClient) doRequest(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	method := http.MethodGet
	var reqBody io.Reader
	if payload != nil {
		method = http.MethodPost
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("controller request failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *UnifiClient) stamgrPath() string {
	return fmt.Sprintf("/api/s/%s/cmd/stamgr", c.Site)
}

// Authorize grants network access for a client MAC.
func (c *UnifiClient) Authorize(ctx context.Context, req AuthorizeRequest) error {
	cmd := map[string]interface{}{
		"cmd":     "authorize-guest",
		"mac":     strings.ToLower(req.MAC),
		"minutes": req.DurationMinutes,
	}
	if req.DownloadKbps > 0 {
		cmd["down"] = req.DownloadKbps
	}
	if req.UploadKbps > 0 {
		cmd["up"] = req.UploadKbps
	}
	if req.DataCapMB > 0 {
		cmd["bytes"] = req.DataCapMB
	}
	if req.Label != "" {
		cmd["note"] = req.Label
	}

	if _, err := c.doCommand(ctx, c.stamgrPath(), cmd); err != nil {
		return &ControllerError{Op: "authorize", Err: err}
	}
	return nil
}

// Unauthorize removes network access for a client MAC. Unknown MACs are a
// success: the desired state already holds.
func (c *UnifiClient) Unauthorize(ctx context.Context, mac string) error {
	cmd := map[string]interface{}{
		"cmd": "unauthorize-guest",
		"mac": strings.ToLower(mac),
	}
	if _, err := c.doCommand(ctx, c.stamgrPath(), cmd); err != nil {
		return &ControllerError{Op: "unauthorize", Err: err}
	}
	return nil
}

type unifiStaResponse struct {
	Data []struct {
		MAC        string `json:"mac"`
		Authorized bool   `json:"authorized"`
		RxBytes    int64  `json:"rx_bytes"`
		TxBytes    int64  `json:"tx_bytes"`
		LastSeen   int64  `json:"last_seen"`
	} `json:"data"`
}

// ClientStatus reports the controller's view of one client MAC.
func (c *UnifiClient) ClientStatus(ctx context.Context, mac string) (*ClientStatus, error) {
	path := fmt.Sprintf("/api/s/%s/stat/sta/%s", c.Site, strings.ToLower(mac))
	body, err := c.doCommand(ctx, path, nil)
	if err != nil {
		return nil, &ControllerError{Op: "client_status", Err: err}
	}

	var raw unifiStaResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ControllerError{Op: "client_status", Err: err}
	}
	if len(raw.Data) == 0 {
		return &ClientStatus{MAC: strings.ToLower(mac), Authorized: false}, nil
	}

	d := raw.Data[0]
	return &ClientStatus{
		MAC:        strings.ToLower(d.MAC),
		Authorized: d.Authorized,
		RxBytes:    d.RxBytes,
		TxBytes:    d.TxBytes,
		LastSeen:   time.Unix(d.LastSeen, 0),
	}, nil
}

// ListAuthorized returns the MACs the controller currently reports as
// authorized. Used by the drift-correction sweep.
func (c *UnifiClient) ListAuthorized(ctx context.Context) ([]string, error) {
	path := fmt.Sprintf("/api/s/%s/stat/sta", c.Site)
	body, err := c.doCommand(ctx, path, nil)
	if err != nil {
		return nil, &ControllerError{Op: "list_authorized", Err: err}
	}

	var raw unifiStaResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ControllerError{Op: "list_authorized", Err: err}
	}

	macs := make([]string, 0, len(raw.Data))
	for _, d := range raw.Data {
		if d.Authorized {
			macs = append(macs, strings.ToLower(d.MAC))
		}
	}
	return macs, nil
}
