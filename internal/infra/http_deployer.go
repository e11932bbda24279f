package infra

import (
	"context"
	"fmt"
	"net/url"

	"github.com/clowdr-app/clowdr-sub007/internal/remote"
)

// HTTPDeployer submits synthesized templates to the deployment API.
type HTTPDeployer struct {
	client          *remote.Client
	notificationARN string
}

func NewHTTPDeployer(client *remote.Client, notificationARN string) *HTTPDeployer {
	return &HTTPDeployer{client: client, notificationARN: notificationARN}
}

type deployRequest struct {
	StackName        string            `json:"stackName"`
	Template         string            `json:"template"`
	Tags             map[string]string `json:"tags,omitempty"`
	NotificationARNs []string          `json:"notificationArns,omitempty"`
}

func (d *HTTPDeployer) Deploy(ctx context.Context, spec StackSpec) (Deployment, error) {
	template, err := Synthesize(spec)
	if err != nil {
		return Deployment{}, err
	}
	req := deployRequest{
		StackName: spec.StackName,
		Template:  string(template),
		Tags: map[string]string{
			"roomId":       spec.RoomID,
			"conferenceId": spec.ConferenceID,
		},
	}
	for key, value := range spec.Tags {
		req.Tags[key] = value
	}
	arn := spec.NotificationARN
	if arn == "" {
		arn = d.notificationARN
	}
	if arn != "" {
		req.NotificationARNs = []string{arn}
	}
	var resp Deployment
	if err := d.client.Post(ctx, "/v1/stacks", req, &resp); err != nil {
		return Deployment{}, fmt.Errorf("deploy stack %s: %w", spec.StackName, err)
	}
	return resp, nil
}

func (d *HTTPDeployer) Describe(ctx context.Context, stackName string) (*StackDescription, error) {
	var resp StackDescription
	if err := d.client.Get(ctx, "/v1/stacks/"+url.PathEscape(stackName), &resp); err != nil {
		if remote.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("describe stack %s: %w", stackName, err)
	}
	if resp.StackName == "" {
		resp.StackName = stackName
	}
	return &resp, nil
}

func (d *HTTPDeployer) Destroy(ctx context.Context, stackName string) error {
	if err := d.client.Delete(ctx, "/v1/stacks/"+url.PathEscape(stackName)); err != nil {
		if remote.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("destroy stack %s: %w", stackName, err)
	}
	return nil
}
