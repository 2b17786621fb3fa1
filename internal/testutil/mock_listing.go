// Package testutil provides a configurable mock of the upstream
// public-server listing API for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Server is one mock server record in the wire shape the listing returns.
type Server struct {
	ID         string  `json:"id"`
	Playing    int     `json:"playing"`
	MaxPlayers int     `json:"maxPlayers,omitempty"`
	Ping       float64 `json:"ping,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
}

// Page is one canned listing page. NextCursor is the token handed to the
// client; the final page of a listing leaves it empty.
type Page struct {
	Servers    []Server
	NextCursor string
}

// MockListing is a configurable mock listing API. Pages are keyed by place
// id and cursor token; requests for unconfigured pages return an empty
// listing.
type MockListing struct {
	server *httptest.Server

	mu       sync.Mutex
	pages    map[int64]map[string]Page // placeID -> cursor token ("" = first page) -> page
	statuses map[int64]int             // forced status per place, 0 = none

	RequestCount int
	CursorsSeen  []string
	LastQuery    map[string]string
}

// NewMockListing creates and starts a mock listing server.
func NewMockListing() *MockListing {
	mock := &MockListing{
		pages:    make(map[int64]map[string]Page),
		statuses: make(map[int64]int),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the mock base URL; pass it as the upstream BaseURL.
func (m *MockListing) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockListing) Close() {
	m.server.Close()
}

// SetPages installs the page sequence for a place, chaining cursors
// page-1 -> "cursor-1" -> page-2 and so on, with the last page ending the
// listing.
func (m *MockListing) SetPages(placeID int64, pages ...[]Server) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCursor := make(map[string]Page, len(pages))
	token := ""
	for i, servers := range pages {
		next := ""
		if i < len(pages)-1 {
			next = fmt.Sprintf("cursor-%d", i+1)
		}
		byCursor[token] = Page{Servers: servers, NextCursor: next}
		token = next
	}
	m.pages[placeID] = byCursor
}

// SetPage installs a single page for an explicit cursor token.
func (m *MockListing) SetPage(placeID int64, cursor string, page Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pages[placeID] == nil {
		m.pages[placeID] = make(map[string]Page)
	}
	m.pages[placeID][cursor] = page
}

// ForceStatus makes every request for a place answer with the given HTTP
// status instead of a listing. Pass 0 to restore normal behavior.
func (m *MockListing) ForceStatus(placeID int64, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[placeID] = status
}

// GetRequestCount returns the number of listing requests received.
func (m *MockListing) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

func (m *MockListing) handle(w http.ResponseWriter, r *http.Request) {
	placeID, ok := parsePlaceID(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	cursor := r.URL.Query().Get("cursor")

	m.mu.Lock()
	m.RequestCount++
	m.CursorsSeen = append(m.CursorsSeen, cursor)
	m.LastQuery = map[string]string{
		"limit":            r.URL.Query().Get("limit"),
		"excludeFullGames": r.URL.Query().Get("excludeFullGames"),
		"cursor":           cursor,
	}
	forced := m.statuses[placeID]
	page := m.pages[placeID][cursor]
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	if forced != 0 {
		if forced == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "120")
		}
		w.WriteHeader(forced)
		fmt.Fprintf(w, `{"errors":[{"code":%d,"message":"forced"}]}`, forced)
		return
	}

	resp := struct {
		Data           []Server `json:"data"`
		NextPageCursor string   `json:"nextPageCursor"`
	}{
		Data:           page.Servers,
		NextPageCursor: page.NextCursor,
	}
	if resp.Data == nil {
		resp.Data = []Server{}
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// parsePlaceID extracts the place id from /{placeID}/servers/Public.
func parsePlaceID(path string) (int64, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[1] != "servers" || parts[2] != "Public" {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// GenerateServers builds n server records with fresh ids and the given
// occupancy.
func GenerateServers(n, playing, maxPlayers int) []Server {
	servers := make([]Server, n)
	for i := range servers {
		servers[i] = Server{
			ID:         uuid.NewString(),
			Playing:    playing,
			MaxPlayers: maxPlayers,
			Ping:       42,
			FPS:        59.9,
		}
	}
	return servers
}
