package device

import (
	"context"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/unbasical/doras-ota/pkg/backoff"
)

type httpConnectivity struct {
	url    string
	client *http.Client
	tries  uint
	delay  time.Duration
}

// NewHTTPConnectivity probes url to decide whether the internet is reachable.
// A probe is tried up to tries times with delay in between.
func NewHTTPConnectivity(url string, tries uint, delay time.Duration) Connectivity {
	if tries == 0 {
		tries = 1
	}
	return &httpConnectivity{
		url:    url,
		client: &http.Client{Timeout: 3 * time.Second},
		tries:  tries,
		delay:  delay,
	}
}

func (h *httpConnectivity) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return &statusError{status: resp.Status}
	}
	return nil
}

type statusError struct {
	status string
}

func (s *statusError) Error() string {
	return "connectivity probe returned " + s.status
}

func (h *httpConnectivity) IsConnected(ctx context.Context) bool {
	b := backoff.NewFixed(h.delay, 0)
	for try := uint(1); ; try++ {
		err := h.probe(ctx)
		if err == nil {
			return true
		}
		log.WithError(err).Warn("Internet check failed")
		if try >= h.tries {
			return false
		}
		if err := b.Wait(ctx); err != nil {
			return false
		}
	}
}

// CurrentAddress returns the first IPv4 address of an interface that is up and not a loopback.
func (h *httpConnectivity) CurrentAddress() (string, bool) {
	ifaces, err := net.Interfaces()
	if err != nil {
		log.WithError(err).Debug("failed to list network interfaces")
		return "", false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4.String(), true
			}
		}
	}
	return "", false
}
