package encoder

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/clowdr-app/clowdr-sub007/internal/models"
	"github.com/clowdr-app/clowdr-sub007/internal/remote"
)

// HTTPGateway talks to the encoder control API over REST.
type HTTPGateway struct {
	client *remote.Client
}

func NewHTTPGateway(client *remote.Client) *HTTPGateway {
	return &HTTPGateway{client: client}
}

type channelResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type scheduleResponse struct {
	Actions   []ScheduleAction `json:"actions"`
	NextToken string           `json:"nextToken,omitempty"`
}

type batchUpdateRequest struct {
	Deletes []string         `json:"deletes,omitempty"`
	Creates []ScheduleAction `json:"creates,omitempty"`
}

func channelPath(channelID string) string {
	return "/v1/channels/" + url.PathEscape(channelID)
}

func (g *HTTPGateway) DescribeChannelState(ctx context.Context, channelID string) (*models.ChannelState, error) {
	var resp channelResponse
	if err := g.client.Get(ctx, channelPath(channelID), &resp); err != nil {
		if remote.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("describe channel %s: %w", channelID, err)
	}
	state := models.ChannelState(strings.ToUpper(strings.TrimSpace(resp.State)))
	return &state, nil
}

func (g *HTTPGateway) DescribeSchedule(ctx context.Context, channelID string) ([]ScheduleAction, error) {
	var actions []ScheduleAction
	token := ""
	for {
		path := channelPath(channelID) + "/schedule"
		if token != "" {
			path += "?nextToken=" + url.QueryEscape(token)
		}
		var page scheduleResponse
		if err := g.client.Get(ctx, path, &page); err != nil {
			return nil, fmt.Errorf("describe schedule %s: %w", channelID, err)
		}
		actions = append(actions, page.Actions...)
		if page.NextToken == "" || page.NextToken == token {
			return actions, nil
		}
		token = page.NextToken
	}
}

func (g *HTTPGateway) UpdateSchedule(ctx context.Context, channelID string, deletes []string, creates []ScheduleAction) error {
	if len(deletes) == 0 && len(creates) == 0 {
		return nil
	}
	payload := batchUpdateRequest{Deletes: deletes, Creates: creates}
	if err := g.client.Post(ctx, channelPath(channelID)+"/schedule:batch", payload, nil); err != nil {
		return fmt.Errorf("update schedule %s: %w", channelID, err)
	}
	return nil
}

func (g *HTTPGateway) StopChannel(ctx context.Context, channelID string) error {
	if err := g.client.Post(ctx, channelPath(channelID)+"/stop", struct{}{}, nil); err != nil {
		return fmt.Errorf("stop channel %s: %w", channelID, err)
	}
	return nil
}
