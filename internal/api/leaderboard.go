package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// LeaderboardClient talks to the points/leaderboard API.
type LeaderboardClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewLeaderboardClient(baseURL, apiKey string) *LeaderboardClient {
	return &LeaderboardClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Activities counts a user's protocol actions for one day.
type Activities struct {
	Supplies  int `json:"supplies"`
	Withdraws int `json:"withdraws"`
	Borrows   int `json:"borrows"`
	Repays    int `json:"repays"`
}

// Distribution is one user's award for a day.
type Distribution struct {
	Rank            int             `json:"rank"`
	Address         string          `json:"address"`
	Points          decimal.Decimal `json:"points"`
	BaseTVL         decimal.Decimal `json:"baseTVL"`
	NetContribution decimal.Decimal `json:"netContribution"`
	Activities      Activities      `json:"activities"`
}

// Summary aggregates a day's distribution.
type Summary struct {
	ChainID         uint64          `json:"chainId"`
	TotalUsers      int             `json:"totalUsers"`
	RewardedUsers   int             `json:"rewardedUsers"`
	TotalPoints     decimal.Decimal `json:"totalPoints"`
	TotalNetTVL     decimal.Decimal `json:"totalNetTVL"`
	TotalNetBorrow  decimal.Decimal `json:"totalNetBorrow"`
	EventsProcessed int             `json:"eventsProcessed"`
	Final           bool            `json:"final"`
}

// LeaderboardPost is the body of POST /leaderboard.
type LeaderboardPost struct {
	Date          string         `json:"date"`
	Distributions []Distribution `json:"distributions"`
	Summary       Summary        `json:"summary"`
}

// FetchUsers returns every address known to the leaderboard (GET /all).
// Both a bare array and a {"data": [...]} envelope are accepted; entries may
// be strings or objects carrying an address field.
func (l *LeaderboardClient) FetchUsers(ctx context.Context) ([]common.Address, error) {
	if l.baseURL == "" {
		return nil, fmt.Errorf("points api url not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/all", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	l.authorize(req)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("points api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("points api status: %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return parseUsers(raw)
}

func parseUsers(raw json.RawMessage) ([]common.Address, error) {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if len(raw) > 0 && raw[0] == '{' {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("decode users envelope: %w", err)
		}
		raw = envelope.Data
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode users list: %w", err)
	}

	seen := make(map[common.Address]bool, len(items))
	out := make([]common.Address, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			var obj struct {
				Address     string `json:"address"`
				UserAddress string `json:"user_address"`
			}
			if err := json.Unmarshal(item, &obj); err != nil {
				continue
			}
			s = obj.Address
			if s == "" {
				s = obj.UserAddress
			}
		}
		if !common.IsHexAddress(s) {
			continue
		}
		addr := common.HexToAddress(s)
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	return out, nil
}

// PostLeaderboard submits a day's distribution (POST /leaderboard).
func (l *LeaderboardClient) PostLeaderboard(ctx context.Context, post LeaderboardPost) error {
	if l.baseURL == "" {
		return fmt.Errorf("points api url not configured")
	}
	if post.Distributions == nil {
		post.Distributions = []Distribution{}
	}
	body, err := json.Marshal(post)
	if err != nil {
		return fmt.Errorf("marshal leaderboard: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/leaderboard", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	l.authorize(req)

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("post leaderboard: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("leaderboard api error %d: %s", resp.StatusCode, errResp.Error)
	}
	return nil
}

func (l *LeaderboardClient) authorize(req *http.Request) {
	if l.apiKey != "" {
		req.Header.Set("X-API-Key", l.apiKey)
	}
}
