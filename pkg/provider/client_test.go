package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/alexbotov/slotgate/internal/domain"
	"github.com/alexbotov/slotgate/internal/ratelimit"
	"github.com/alexbotov/slotgate/internal/signer"
)

const (
	testMerchantID  = "test-merchant"
	testMerchantKey = "test-merchant-key"
)

// mockServer creates a test server that verifies the signature and returns the given response
func mockServer(t *testing.T, method, expectedPath string, validate func(params url.Values) error, status int, response interface{}) *httptest.Server {
	verifier, err := signer.NewVerifier(testMerchantID, testMerchantKey, time.Minute)
	if err != nil {
		t.Fatalf("Failed to create verifier: %v", err)
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			t.Errorf("Expected %s, got %s", method, r.Method)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.URL.Path != expectedPath {
			t.Errorf("Expected path %s, got %s", expectedPath, r.URL.Path)
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}

		var params url.Values
		if method == http.MethodGet {
			params = r.URL.Query()
		} else {
			if err := r.ParseForm(); err != nil {
				t.Errorf("Failed to parse form: %v", err)
				http.Error(w, "Bad request", http.StatusBadRequest)
				return
			}
			params = r.PostForm
		}

		if err := verifier.Verify(params, signer.HeadersFrom(r.Header)); err != nil {
			t.Errorf("Signature verification failed: %v", err)
		}

		if validate != nil {
			if err := validate(params); err != nil {
				t.Errorf("Parameter validation failed: %v", err)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(response)
	}))
}

// newTestClient creates a client configured for testing
func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	client, err := NewClient(&ClientConfig{
		BaseURL:     baseURL,
		MerchantID:  testMerchantID,
		MerchantKey: testMerchantKey,
		Timeout:     5 * time.Second,
	}, opts...)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client
}

func expect(params url.Values, key, want string) error {
	if got := params.Get(key); got != want {
		return fmt.Errorf("expected %s=%q, got %q", key, want, got)
	}
	return nil
}

func TestNewClient_MissingCredentials(t *testing.T) {
	_, err := NewClient(&ClientConfig{BaseURL: "http://localhost"})
	if !errors.Is(err, signer.ErrMissingMerchantID) {
		t.Errorf("Expected ErrMissingMerchantID, got %v", err)
	}
}

func TestListGames_Success(t *testing.T) {
	rtp := 96.5
	response := GamesPage{
		Items: []Game{
			{
				UUID: "g-1", Name: "Book of Gold", Type: "Slots", Provider: "Spinworks",
				Technology: "HTML5", IsMobile: 1, HasLobby: 0,
				Tags:       []Tag{{Code: "popular", Label: "Popular"}},
				Parameters: Parameters{RTP: &rtp, Volatility: "high", ReelsCount: 5, LinesCount: 10},
			},
			{UUID: "g-2", Name: "Roulette Live", Type: "roulette", Provider: "LiveCo", HasLobby: 1},
		},
		Meta: Meta{TotalCount: 12, PageCount: 6, CurrentPage: 2, PerPage: 2},
	}

	server := mockServer(t, http.MethodGet, "/games", func(params url.Values) error {
		if err := expect(params, "page", "2"); err != nil {
			return err
		}
		if err := expect(params, "perPage", "2"); err != nil {
			return err
		}
		return expect(params, "type", "")
	}, http.StatusOK, response)
	defer server.Close()

	client := newTestClient(t, server.URL)
	page, err := client.ListGames(context.Background(), ListGamesRequest{Page: 2, PerPage: 2})
	if err != nil {
		t.Fatalf("ListGames failed: %v", err)
	}

	if len(page.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(page.Items))
	}
	if page.Meta.PageCount != 6 {
		t.Errorf("Expected page count 6, got %d", page.Meta.PageCount)
	}

	entry := page.Items[0].Entry()
	if entry.ID != "g-1" || entry.ProviderName != "Spinworks" {
		t.Errorf("Unexpected entry %+v", entry)
	}
	if entry.Kind != "slots" {
		t.Errorf("Expected kind slots, got %s", entry.Kind)
	}
	if entry.DeviceSupport != domain.DeviceBoth {
		t.Errorf("Expected device both, got %s", entry.DeviceSupport)
	}
	if entry.Parameters.RTP == nil || *entry.Parameters.RTP != 96.5 {
		t.Errorf("Expected RTP 96.5, got %v", entry.Parameters.RTP)
	}
	if len(entry.Tags) != 1 || entry.Tags[0] != "popular" {
		t.Errorf("Expected tag popular, got %v", entry.Tags)
	}

	live := page.Items[1].Entry()
	if live.DeviceSupport != domain.DeviceDesktop || !live.HasLobby {
		t.Errorf("Unexpected live entry %+v", live)
	}
}

func TestListGames_TypeFilter(t *testing.T) {
	server := mockServer(t, http.MethodGet, "/games", func(params url.Values) error {
		if err := expect(params, "page", "1"); err != nil {
			return err
		}
		return expect(params, "type", "live")
	}, http.StatusOK, GamesPage{})
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.ListGames(context.Background(), ListGamesRequest{Type: "live"}); err != nil {
		t.Fatalf("ListGames failed: %v", err)
	}
}

func TestInitGame_Real(t *testing.T) {
	server := mockServer(t, http.MethodPost, "/games/init", func(params url.Values) error {
		for key, want := range map[string]string{
			"game_uuid":   "g-1",
			"player_id":   "player-1",
			"player_name": "Jane",
			"currency":    "EUR",
			"session_id":  "s-1",
			"device":      "mobile",
			"language":    "en",
		} {
			if err := expect(params, key, want); err != nil {
				return err
			}
		}
		return nil
	}, http.StatusOK, InitGameResult{URL: "https://games.example/launch/abc"})
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.InitGame(context.Background(), InitGameRequest{
		GameID:     "g-1",
		PlayerID:   "player-1",
		PlayerName: "Jane",
		Currency:   "eur",
		Language:   "en",
		Device:     DeviceMobile,
		Mode:       ModeReal,
		SessionID:  "s-1",
	})
	if err != nil {
		t.Fatalf("InitGame failed: %v", err)
	}
	if result.URL != "https://games.example/launch/abc" {
		t.Errorf("Unexpected URL %s", result.URL)
	}
}

func TestInitGame_Demo(t *testing.T) {
	server := mockServer(t, http.MethodPost, "/games/init-demo", func(params url.Values) error {
		if params.Has("player_id") {
			return errors.New("demo launch must not carry a player")
		}
		return expect(params, "game_uuid", "g-1")
	}, http.StatusOK, InitGameResult{URL: "https://games.example/demo/abc"})
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.InitGame(context.Background(), InitGameRequest{GameID: "g-1", Mode: ModeDemo})
	if err != nil {
		t.Fatalf("InitGame failed: %v", err)
	}
	if result.URL != "https://games.example/demo/abc" {
		t.Errorf("Unexpected URL %s", result.URL)
	}
}

func TestInitGame_Validation(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1")

	t.Run("MissingGame", func(t *testing.T) {
		if _, err := client.InitGame(context.Background(), InitGameRequest{Mode: ModeDemo}); err == nil {
			t.Error("Expected error for missing game id")
		}
	})

	t.Run("RealWithoutPlayer", func(t *testing.T) {
		if _, err := client.InitGame(context.Background(), InitGameRequest{GameID: "g-1", Mode: ModeReal}); err == nil {
			t.Error("Expected error for missing player")
		}
	})
}

func TestLobby(t *testing.T) {
	server := mockServer(t, http.MethodGet, "/games/lobby", func(params url.Values) error {
		if err := expect(params, "game_uuid", "g-2"); err != nil {
			return err
		}
		return expect(params, "currency", "USD")
	}, http.StatusOK, LobbyResult{Lobby: []LobbyTable{{LobbyData: "table-7", Name: "Table 7", IsOpen: true}}})
	defer server.Close()

	client := newTestClient(t, server.URL)
	result, err := client.Lobby(context.Background(), "g-2", "usd")
	if err != nil {
		t.Fatalf("Lobby failed: %v", err)
	}
	if len(result.Lobby) != 1 || result.Lobby[0].LobbyData != "table-7" {
		t.Errorf("Unexpected lobby %+v", result.Lobby)
	}
}

func TestAPIError(t *testing.T) {
	server := mockServer(t, http.MethodPost, "/games/init", nil, http.StatusNotFound,
		map[string]interface{}{"name": "Not Found", "message": "Game not found", "code": 0})
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.InitGame(context.Background(), InitGameRequest{
		GameID: "missing", PlayerID: "p", Currency: "EUR", SessionID: "s",
	})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", apiErr.StatusCode)
	}
	if apiErr.Message != "Game not found" {
		t.Errorf("Expected message 'Game not found', got %q", apiErr.Message)
	}
}

func TestRateLimitedExecutor(t *testing.T) {
	verifier, _ := signer.NewVerifier(testMerchantID, testMerchantKey, time.Minute)

	var mu sync.Mutex
	nonces := map[string]bool{}
	calls := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hd := signer.HeadersFrom(r.Header)
		if err := verifier.Verify(r.URL.Query(), hd); err != nil {
			t.Errorf("Signature verification failed: %v", err)
		}

		mu.Lock()
		calls++
		first := calls == 1
		nonces[hd.Nonce] = true
		mu.Unlock()

		if first {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(GamesPage{Items: []Game{{UUID: "g-1"}}, Meta: Meta{PageCount: 1}})
	}))
	defer server.Close()

	limiter := ratelimit.New(server.Client(), ratelimit.Config{
		RequestsPerMinute: 60,
		MaxConcurrency:    2,
		BackoffStep:       time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		MaxRetries:        2,
	})
	defer limiter.Close()

	client := newTestClient(t, server.URL, WithExecutor(limiter))
	page, err := client.ListGames(context.Background(), ListGamesRequest{Page: 1})
	if err != nil {
		t.Fatalf("ListGames failed: %v", err)
	}
	if len(page.Items) != 1 {
		t.Errorf("Expected 1 item, got %d", len(page.Items))
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls)
	}
	if len(nonces) != 2 {
		t.Errorf("Expected a fresh nonce per attempt, got %d distinct", len(nonces))
	}
}
