package osrm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/musthaq16/live-route-tracker/types"
)

const (
	DefaultBaseURL = "https://router.project-osrm.org"
	DefaultProfile = "driving"
)

// HTTPClient is the subset of *http.Client used by Client.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client queries the OSRM route service.
type Client struct {
	baseURL string
	profile string
	http    HTTPClient
}

// NewClient returns a client for baseURL (e.g. "https://router.project-osrm.org").
// A nil httpClient uses an *http.Client with the given timeout.
func NewClient(baseURL, profile string, timeout time.Duration, httpClient HTTPClient) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if profile == "" {
		profile = DefaultProfile
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		profile: profile,
		http:    httpClient,
	}
}

// OSRM response format
type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"routes"`
}

// RouteURL builds the request URL. OSRM wants longitude first.
func (c *Client) RouteURL(start, end types.GeoPoint) string {
	return fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson",
		c.baseURL, c.profile, start.Lon, start.Lat, end.Lon, end.Lat)
}

// Route returns the driving polyline from start to end. All failures are *types.RouteError.
func (c *Client) Route(ctx context.Context, start, end types.GeoPoint) (types.Route, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.RouteURL(start, end), nil)
	if err != nil {
		return nil, &types.RouteError{Cause: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.NewRouteError("HTTP error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, types.NewRouteError("OSRM returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewRouteError("read body: %w", err)
	}
	return decodeRoute(body)
}

func decodeRoute(body []byte) (types.Route, error) {
	var parsed osrmResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, types.NewRouteError("JSON decode failed: %w", err)
	}
	if parsed.Code != "" && parsed.Code != "Ok" {
		return nil, types.NewRouteError("OSRM %s: %s", parsed.Code, parsed.Message)
	}
	if len(parsed.Routes) == 0 {
		return nil, types.NewRouteError("response has no routes")
	}

	coords := parsed.Routes[0].Geometry.Coordinates
	route := make(types.Route, 0, len(coords))
	for i, pair := range coords {
		if len(pair) < 2 {
			return nil, types.NewRouteError("coordinate %d: want [lon,lat], got %v", i, pair)
		}
		route = append(route, types.GeoPoint{Lat: pair[1], Lon: pair[0]})
	}
	return route, nil
}
