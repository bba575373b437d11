package provider

import (
	"fmt"
	"strings"
	"time"

	"github.com/alexbotov/slotgate/internal/domain"
)

// Mode selects a real-money or a demo launch
type Mode string

const (
	ModeReal Mode = "real"
	ModeDemo Mode = "demo"
)

// Device is the launch device reported to the provider
type Device string

const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
)

// APIError represents a non-2xx response from the API
type APIError struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider: http %d", e.StatusCode)
	}
	return fmt.Sprintf("provider: http %d: %s", e.StatusCode, e.Message)
}

// Tag is a catalog tag
type Tag struct {
	Code  string `json:"code"`
	Label string `json:"label"`
}

// Parameters are the numeric game characteristics as published
type Parameters struct {
	RTP        *float64 `json:"rtp"`
	Volatility string   `json:"volatility"`
	ReelsCount int      `json:"reels_count"`
	LinesCount int      `json:"lines_count"`
}

// Game is one item of the catalog listing
type Game struct {
	UUID         string     `json:"uuid"`
	Name         string     `json:"name"`
	Image        string     `json:"image"`
	Type         string     `json:"type"`
	Provider     string     `json:"provider"`
	Technology   string     `json:"technology"`
	HasLobby     int        `json:"has_lobby"`
	IsMobile     int        `json:"is_mobile"`
	HasFreespins int        `json:"has_freespins"`
	Tags         []Tag      `json:"tags"`
	Parameters   Parameters `json:"parameters"`
}

// Entry converts the listing item into a catalog entry.
// Mobile titles built on HTML5 run on both device classes.
func (g Game) Entry() domain.CatalogEntry {
	device := domain.DeviceDesktop
	if g.IsMobile == 1 {
		device = domain.DeviceMobile
		if strings.EqualFold(g.Technology, "html5") {
			device = domain.DeviceBoth
		}
	}

	tags := make([]string, 0, len(g.Tags))
	for _, t := range g.Tags {
		tags = append(tags, t.Code)
	}

	return domain.CatalogEntry{
		ID:            g.UUID,
		Name:          g.Name,
		ProviderName:  g.Provider,
		Kind:          strings.ToLower(g.Type),
		DeviceSupport: device,
		Technology:    g.Technology,
		HasLobby:      g.HasLobby == 1,
		Tags:          tags,
		Parameters: domain.GameParameters{
			RTP:        g.Parameters.RTP,
			Volatility: g.Parameters.Volatility,
			Reels:      g.Parameters.ReelsCount,
			Lines:      g.Parameters.LinesCount,
		},
	}
}

// Meta is the pagination block of a listing
type Meta struct {
	TotalCount  int `json:"totalCount"`
	PageCount   int `json:"pageCount"`
	CurrentPage int `json:"currentPage"`
	PerPage     int `json:"perPage"`
}

// GamesPage is one page of the catalog listing
type GamesPage struct {
	Items []Game `json:"items"`
	Meta  Meta   `json:"_meta"`
}

// ListGamesRequest selects a page of the catalog
type ListGamesRequest struct {
	Page    int
	PerPage int
	Type    string
}

// InitGameRequest launches a game for a player
type InitGameRequest struct {
	GameID     string
	PlayerID   string
	PlayerName string
	Currency   string
	Language   string
	Device     Device
	Mode       Mode
	SessionID  string
	ReturnURL  string
	LobbyData  string
}

// InitGameResult carries the launch URL
type InitGameResult struct {
	URL string `json:"url"`
}

// LobbyTable is one table of a live lobby
type LobbyTable struct {
	LobbyData string `json:"lobbyData"`
	Name      string `json:"name"`
	IsOpen    bool   `json:"isOpen"`
	OpenTime  string `json:"openTime,omitempty"`
	CloseTime string `json:"closeTime,omitempty"`
	Limits    []struct {
		Currency string  `json:"currency"`
		Min      float64 `json:"min"`
		Max      float64 `json:"max"`
	} `json:"limits,omitempty"`
}

// LobbyResult is the lobby of a live game
type LobbyResult struct {
	Lobby []LobbyTable `json:"lobby"`
}

// ClientConfig holds the configuration for the provider client
type ClientConfig struct {
	BaseURL     string
	MerchantID  string
	MerchantKey string
	Timeout     time.Duration
}

// DefaultConfig returns a default client configuration
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Timeout: 30 * time.Second,
	}
}
