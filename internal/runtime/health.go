package runtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"vwbackup/internal/backup"
	"vwbackup/internal/logging"
)

// Probe answers the single question the restore pipeline asks: is the
// service healthy right now. An HTTP endpoint takes precedence; without
// one the container's health status is used.
type Probe struct {
	url        string
	client     *http.Client
	controller *Controller
	logger     *logging.Logger
}

// NewProbe builds a probe for url, falling back to controller when url is
// empty. controller may be nil.
func NewProbe(url string, controller *Controller, logger *logging.Logger) *Probe {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Probe{
		url:        url,
		client:     &http.Client{Timeout: 5 * time.Second},
		controller: controller,
		logger:     logger,
	}
}

// Healthy reports whether the service answers its health check. A false
// result carries the reason as the error.
func (p *Probe) Healthy(ctx context.Context) (bool, error) {
	if p.url != "" {
		return p.checkHTTP(ctx)
	}
	if p.controller != nil {
		return p.controller.Healthy(ctx)
	}
	return false, backup.NewConfigError("no health check configured: set runtime.health_url or runtime.service_container", nil)
}

func (p *Probe) checkHTTP(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, backup.NewConfigError(fmt.Sprintf("invalid health URL %s", p.url), err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		p.logger.WithFields(map[string]interface{}{
			"url":    p.url,
			"status": resp.StatusCode,
		}).Debug("Health endpoint answered")
		return true, nil
	}
	return false, fmt.Errorf("health endpoint returned %s", resp.Status)
}
