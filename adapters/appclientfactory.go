package adapters

import (
	"context"
	"fmt"

	"rtm/ports"
)

// WSClientFactory constructs WSClient instances by dialing the URL a
// TaskAPIService's Environment prerequisites advertise under the "endpoint" key.
type WSClientFactory struct{}

// NewWSClientFactory constructs a stateless factory.
func NewWSClientFactory() *WSClientFactory {
	return &WSClientFactory{}
}

// Create dials the provider-side Task API endpoint named in the service's
// environment prerequisites and returns a connected AppClient.
func (f *WSClientFactory) Create(ctx context.Context, service ports.TaskAPIService) (ports.AppClient, error) {
	endpoint, ok := service.Environment.Prerequisites["endpoint"]
	if !ok || endpoint == "" {
		return nil, fmt.Errorf("create app client for environment %s: no endpoint prerequisite", service.Environment.ID)
	}
	return DialWSClient(ctx, endpoint)
}

var _ ports.AppClientFactory = (*WSClientFactory)(nil)
