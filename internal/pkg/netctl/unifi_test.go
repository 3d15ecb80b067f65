package netctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unifiStub simulates a controller with cookie-based sessions.
type unifiStub struct {
	mu       sync.Mutex
	logins   int
	commands []map[string]interface{}
	staData  []map[string]interface{}
	expire   int
}

func (s *unifiStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "admin" || creds["password"] != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.logins++
		http.SetCookie(w, &http.Cookie{Name: "unifises", Value: "session"})
		_, _ = w.Write([]byte(`{"meta":{"rc":"ok"}}`))
	})
	mux.HandleFunc("/api/s/default/cmd/stamgr", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.expire > 0 {
			s.expire--
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var cmd map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&cmd)
		s.commands = append(s.commands, cmd)
		_, _ = w.Write([]byte(`{"meta":{"rc":"ok"},"data":[]}`))
	})
	mux.HandleFunc("/api/s/default/stat/sta", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": s.staData})
	})
	mux.HandleFunc("/api/s/default/stat/sta/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": s.staData})
	})
	return mux
}

func newTestUnifiClient(serverURL string) *UnifiClient {
	return &UnifiClient{
		BaseURL:    serverURL,
		Site:       "default",
		Username:   "admin",
		Password:   "secret",
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func TestUnifiAuthorizeCommand(t *testing.T) {
	stub := &unifiStub{}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestUnifiClient(server.URL)
	err := client.Authorize(context.Background(), AuthorizeRequest{
		MAC:             "AA:BB:CC:DD:EE:FF",
		DurationMinutes: 60,
		DownloadKbps:    10000,
		Label:           "entitlement-1",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, stub.logins, "first command logs in on demand")
	require.Len(t, stub.commands, 1)
	cmd := stub.commands[0]
	assert.Equal(t, "authorize-guest", cmd["cmd"])
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", cmd["mac"])
	assert.Equal(t, float64(60), cmd["minutes"])
	assert.Equal(t, float64(10000), cmd["down"])
	assert.Equal(t, "entitlement-1", cmd["note"])
	_, hasUp := cmd["up"]
	assert.False(t, hasUp, "zero limits are omitted")
}

func TestUnifiUnauthorizeCommand(t *testing.T) {
	stub := &unifiStub{}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestUnifiClient(server.URL)
	require.NoError(t, client.Unauthorize(context.Background(), "AA:BB:CC:DD:EE:FF"))

	require.Len(t, stub.commands, 1)
	assert.Equal(t, "unauthorize-guest", stub.commands[0]["cmd"])
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", stub.commands[0]["mac"])
}

func TestUnifiReloginAfterSessionExpiry(t *testing.T) {
	stub := &unifiStub{}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestUnifiClient(server.URL)
	require.NoError(t, client.Unauthorize(context.Background(), "aa:bb:cc:dd:ee:ff"))

	// The next command hits an expired session, re-authenticates once and
	// succeeds without surfacing the 401.
	stub.mu.Lock()
	stub.expire = 1
	stub.mu.Unlock()

	require.NoError(t, client.Unauthorize(context.Background(), "aa:bb:cc:dd:ee:ff"))
	assert.Equal(t, 2, stub.logins)
	assert.Len(t, stub.commands, 2)
}

func TestUnifiConcurrentCommandsShareSession(t *testing.T) {
	stub := &unifiStub{}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestUnifiClient(server.URL)
	require.NoError(t, client.Unauthorize(context.Background(), "aa:bb:cc:dd:ee:ff"))

	// One command trips an expired session while the others are in flight.
	// Session state is shared, so every worker must still complete.
	stub.mu.Lock()
	stub.expire = 1
	stub.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = client.Unauthorize(context.Background(), "aa:bb:cc:dd:ee:ff")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoErrorf(t, err, "worker %d", i)
	}
	stub.mu.Lock()
	defer stub.mu.Unlock()
	assert.Len(t, stub.commands, 9)
}

func TestUnifiLoginFailure(t *testing.T) {
	stub := &unifiStub{}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestUnifiClient(server.URL)
	client.Password = "wrong"

	err := client.Authorize(context.Background(), AuthorizeRequest{MAC: "aa:bb:cc:dd:ee:ff", DurationMinutes: 5})
	require.Error(t, err)

	var cerr *ControllerError
	assert.ErrorAs(t, err, &cerr)
}

func TestUnifiListAuthorized(t *testing.T) {
	stub := &unifiStub{staData: []map[string]interface{}{
		{"mac": "AA:BB:CC:DD:EE:01", "authorized": true},
		{"mac": "aa:bb:cc:dd:ee:02", "authorized": false},
		{"mac": "aa:bb:cc:dd:ee:03", "authorized": true},
	}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestUnifiClient(server.URL)
	macs, err := client.ListAuthorized(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:03"}, macs)
}

func TestUnifiClientStatus(t *testing.T) {
	stub := &unifiStub{staData: []map[string]interface{}{
		{"mac": "AA:BB:CC:DD:EE:FF", "authorized": true, "rx_bytes": 1024, "tx_bytes": 2048, "last_seen": 1700000000},
	}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestUnifiClient(server.URL)
	status, err := client.ClientStatus(context.Background(), "AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", status.MAC)
	assert.True(t, status.Authorized)
	assert.Equal(t, int64(1024), status.RxBytes)
}

func TestUnifiClientStatusUnknownClient(t *testing.T) {
	stub := &unifiStub{}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	client := newTestUnifiClient(server.URL)
	status, err := client.ClientStatus(context.Background(), "aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	assert.False(t, status.Authorized)
}

func TestUnifiMissingBaseURL(t *testing.T) {
	client := &UnifiClient{Site: "default", HTTPClient: http.DefaultClient}
	err := client.Authorize(context.Background(), AuthorizeRequest{MAC: "aa:bb:cc:dd:ee:ff", DurationMinutes: 5})
	assert.Error(t, err)
}
