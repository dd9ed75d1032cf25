package edgehost

import (
	"context"
	"errors"
	"io"
	"net/http"
)

// invalidConfigService stands in for any service whose configuration was
// rejected. Every request fails with a fixed error; the rest of the server
// keeps running.
type invalidConfigService struct {
	unsupportedEvents
}

var _ Service = (*invalidConfigService)(nil)
var _ WorkerInterface = (*invalidConfigService)(nil)

func newInvalidConfigService() *invalidConfigService {
	return &invalidConfigService{
		unsupportedEvents: unsupportedEvents{
			message: "Service cannot handle requests because its config is invalid.",
		},
	}
}

func (i *invalidConfigService) StartRequest(metadata SubrequestMetadata) WorkerInterface {
	return i
}

func (i *invalidConfigService) Request(ctx context.Context, method, url string, headers http.Header, body io.Reader, resp Responder) error {
	return errors.New("Service cannot handle requests because its config is invalid.")
}
