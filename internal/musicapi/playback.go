package musicapi

import (
	"context"
	"net/http"
	"net/url"
)

type playRequest struct {
	URIs       []string `json:"uris,omitempty"`
	PositionMs int      `json:"position_ms,omitempty"`
}

type transferRequest struct {
	DeviceIDs []string `json:"device_ids"`
	Play      bool     `json:"play"`
}

// Play starts playback of uris on the device. With no uris the current
// context resumes.
func (c *Client) Play(ctx context.Context, deviceID string, uris []string, positionMs int) error {
	r := Request{
		Method:   http.MethodPut,
		Endpoint: Endpoint("/me/player/play", deviceQuery(deviceID)),
	}
	if len(uris) > 0 || positionMs > 0 {
		r.Body = playRequest{URIs: uris, PositionMs: positionMs}
	}

	_, err := c.Do(ctx, r)
	return err
}

// Pause pauses playback on the device.
func (c *Client) Pause(ctx context.Context, deviceID string) error {
	_, err := c.Do(ctx, Request{
		Method:   http.MethodPut,
		Endpoint: Endpoint("/me/player/pause", deviceQuery(deviceID)),
	})
	return err
}

// TransferPlayback moves playback to the device, starting it when play is
// set.
func (c *Client) TransferPlayback(ctx context.Context, deviceID string, play bool) error {
	_, err := c.Do(ctx, Request{
		Method:   http.MethodPut,
		Endpoint: "/me/player",
		Body: transferRequest{
			DeviceIDs: []string{deviceID},
			Play:      play,
		},
	})
	return err
}

func deviceQuery(deviceID string) url.Values {
	if deviceID == "" {
		return nil
	}
	return url.Values{"device_id": []string{deviceID}}
}
