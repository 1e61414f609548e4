// Package apiclient exposes the Knights and Kings backend's business
// endpoints (health, users, towns) on top of a knk.Transport, and a
// fetch-policy gateway caching their results.
package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"

	"github.com/knightsandkings/knk"
)

// HealthStatus is the backend's health report.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Healthy reports whether the backend declared itself healthy.
func (h HealthStatus) Healthy() bool {
	return h.Status == "Healthy" || h.Status == "healthy" || h.Status == "ok"
}

// User is a backend user account.
type User struct {
	ID        int       `json:"id"`
	Username  string    `json:"username"`
	UUID      uuid.UUID `json:"uuid"`
	Email     string    `json:"email,omitempty"`
	Coins     int       `json:"cash"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateUserRequest creates a user account.
type CreateUserRequest struct {
	Username string    `json:"username"`
	UUID     uuid.UUID `json:"uuid"`
	Email    string    `json:"email,omitempty"`
	Password string    `json:"password,omitempty"`
	LinkCode string    `json:"linkCode,omitempty"`
}

// MinimalUser builds the request registering a player on first join.
func MinimalUser(id uuid.UUID, username string) CreateUserRequest {
	return CreateUserRequest{Username: username, UUID: id}
}

// Location is a point in a named world.
type Location struct {
	ID    int     `json:"id"`
	Name  string  `json:"name"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float32 `json:"yaw"`
	Pitch float32 `json:"pitch"`
	World string  `json:"world"`
}

// Vec returns the location as a vector.
func (l Location) Vec() mgl64.Vec3 {
	return mgl64.Vec3{l.X, l.Y, l.Z}
}

// Town is a player town.
type Town struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	AllowEntry  *bool     `json:"allowEntry,omitempty"`
	AllowExit   *bool     `json:"allowExit,omitempty"`
	RegionID    string    `json:"wgRegionId"`
	Location    *Location `json:"location,omitempty"`
}

// EntryAllowed reports whether outsiders may enter. Unset means allowed.
func (t Town) EntryAllowed() bool {
	return t.AllowEntry == nil || *t.AllowEntry
}

// PagedQuery selects one page of a search.
type PagedQuery struct {
	PageNumber     int               `json:"pageNumber"`
	PageSize       int               `json:"pageSize"`
	SearchTerm     string            `json:"searchTerm,omitempty"`
	SortBy         string            `json:"sortBy,omitempty"`
	SortDescending bool              `json:"sortDescending"`
	Filters        map[string]string `json:"filters,omitempty"`
}

// Page is one page of search results.
type Page[T any] struct {
	Items      []T `json:"items"`
	TotalCount int `json:"totalCount"`
	PageNumber int `json:"pageNumber"`
	PageSize   int `json:"pageSize"`
}

// HasNext reports whether more pages follow.
func (p Page[T]) HasNext() bool {
	return p.PageNumber*p.PageSize < p.TotalCount
}

// Client calls the backend's business endpoints.
// It is safe for concurrent use and must not be called on the main thread.
type Client struct {
	t knk.Transport
}

// New creates a client sending requests through t.
func New(t knk.Transport) *Client {
	return &Client{t: t}
}

// Health returns the backend's health report.
func (c *Client) Health(ctx context.Context) (HealthStatus, error) {
	var out HealthStatus
	if err := c.get(ctx, "/health", &out); err != nil {
		return HealthStatus{}, fmt.Errorf("get health: %w", err)
	}
	return out, nil
}

// UserByID returns the user with the given numeric ID.
func (c *Client) UserByID(ctx context.Context, id int) (User, error) {
	var out User
	if err := c.get(ctx, "/users/"+strconv.Itoa(id), &out); err != nil {
		return User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	return out, nil
}

// UserByUUID returns the user owning the player UUID.
func (c *Client) UserByUUID(ctx context.Context, id uuid.UUID) (User, error) {
	var out User
	if err := c.get(ctx, "/users/uuid/"+id.String(), &out); err != nil {
		return User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return out, nil
}

// CreateUser registers a user account.
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (User, error) {
	var out User
	if err := c.send(ctx, http.MethodPost, "/Users", req, false, &out); err != nil {
		return User{}, fmt.Errorf("create user %s: %w", req.UUID, err)
	}
	return out, nil
}

// UpdateCoins sets the coin balance of the player.
func (c *Client) UpdateCoins(ctx context.Context, id uuid.UUID, coins int) error {
	body := struct {
		Coins int `json:"cash"`
	}{coins}
	if err := c.send(ctx, http.MethodPut, "/Users/"+id.String()+"/coins", body, true, nil); err != nil {
		return fmt.Errorf("update coins %s: %w", id, err)
	}
	return nil
}

// Towns returns one page of towns.
func (c *Client) Towns(ctx context.Context, q PagedQuery) (Page[Town], error) {
	if q.PageNumber < 1 {
		q.PageNumber = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 50
	}
	var out Page[Town]
	// Search is a read, so it is safe to retry.
	if err := c.send(ctx, http.MethodPost, "/Towns/search", q, true, &out); err != nil {
		return Page[Town]{}, fmt.Errorf("search towns: %w", err)
	}
	return out, nil
}

// AllTowns walks every page of towns.
func (c *Client) AllTowns(ctx context.Context) ([]Town, error) {
	var towns []Town
	q := PagedQuery{PageNumber: 1, PageSize: 100}
	for {
		page, err := c.Towns(ctx, q)
		if err != nil {
			return nil, err
		}
		towns = append(towns, page.Items...)
		if !page.HasNext() || len(page.Items) == 0 {
			return towns, nil
		}
		q.PageNumber++
	}
}

// Town returns the town with the given ID.
func (c *Client) Town(ctx context.Context, id int) (Town, error) {
	var out Town
	if err := c.get(ctx, "/Towns/"+url.PathEscape(strconv.Itoa(id)), &out); err != nil {
		return Town{}, fmt.Errorf("get town %d: %w", id, err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	resp, err := c.t.Send(ctx, knk.Request{
		Method:     http.MethodGet,
		Path:       path,
		Idempotent: true,
	})
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *Client) send(ctx context.Context, method, path string, in any, idempotent bool, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := c.t.Send(ctx, knk.Request{
		Method:     method,
		Path:       path,
		Body:       body,
		Idempotent: idempotent,
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decode(resp, out)
}

func decode(resp knk.Response, out any) error {
	if len(resp.Body) == 0 {
		return fmt.Errorf("empty response body: %w", knk.ErrPermanent)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode response: %v: %w", err, knk.ErrPermanent)
	}
	return nil
}
