package musicapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

type Artist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Image struct {
	URL    string `json:"url"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

type Album struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Images []Image `json:"images"`
}

// Track is the subset of the API's track object used by the bridge.
type Track struct {
	ID         string   `json:"id"`
	URI        string   `json:"uri"`
	Name       string   `json:"name"`
	DurationMs int      `json:"duration_ms"`
	PreviewURL *string  `json:"preview_url"`
	Artists    []Artist `json:"artists"`
	Album      Album    `json:"album"`
}

type searchResponse struct {
	Tracks struct {
		Items []Track `json:"items"`
	} `json:"tracks"`
}

// TrackMatch summarises the best search result for a track and artist.
type TrackMatch struct {
	Found      bool    `json:"found"`
	URI        *string `json:"uri"`
	Name       string  `json:"name,omitempty"`
	Artist     string  `json:"artist,omitempty"`
	Album      string  `json:"album,omitempty"`
	Image      *string `json:"image,omitempty"`
	PreviewURL *string `json:"preview_url,omitempty"`
}

// SearchTrack looks up the best match for track by artist. A search with no
// results is not an error: the returned match has Found set to false.
func (c *Client) SearchTrack(ctx context.Context, track, artist string) (TrackMatch, error) {
	query := url.Values{}
	query.Set("q", fmt.Sprintf("track:%s artist:%s", track, artist))
	query.Set("type", "track")
	query.Set("limit", "1")

	resp, err := getJSON[searchResponse](ctx, c, Request{Endpoint: Endpoint("/search", query)})
	if err != nil {
		return TrackMatch{}, err
	}

	if len(resp.Tracks.Items) == 0 {
		return TrackMatch{Found: false}, nil
	}

	return matchFrom(resp.Tracks.Items[0]), nil
}

// Track fetches a single track by ID.
func (c *Client) Track(ctx context.Context, id string) (Track, error) {
	return getJSON[Track](ctx, c, Request{Endpoint: "/tracks/" + url.PathEscape(id)})
}

func matchFrom(t Track) TrackMatch {
	names := make([]string, 0, len(t.Artists))
	for _, a := range t.Artists {
		names = append(names, a.Name)
	}

	match := TrackMatch{
		Found:      true,
		URI:        &t.URI,
		Name:       t.Name,
		Artist:     strings.Join(names, ", "),
		Album:      t.Album.Name,
		PreviewURL: t.PreviewURL,
	}
	if len(t.Album.Images) > 0 {
		match.Image = &t.Album.Images[0].URL
	}

	return match
}

func getJSON[T any](ctx context.Context, c *Client, r Request) (T, error) {
	var out T

	body, err := c.Do(ctx, r)
	if err != nil {
		return out, err
	}
	if len(body) == 0 {
		return out, fmt.Errorf("music API %s returned an empty body", r.Endpoint)
	}

	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("could not decode response from %s: %w", r.Endpoint, err)
	}

	return out, nil
}
