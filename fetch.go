package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"i4.energy/across/nbgw/modem"
)

var (
	errNoFreeSlot = errors.New("no free mux slot")
	errBadURL     = errors.New("url must be http(s)://host[:port]/path")
)

// FetchResult is the outcome of one GET through the module.
type FetchResult struct {
	ID     string `json:"id"`
	URL    string `json:"url"`
	Status int    `json:"status,omitempty"`
	Body   string `json:"body,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Fetcher runs HTTP GET requests on the module's built-in HTTP client,
// each on the first free mux slot.
type Fetcher struct {
	HTTP   modem.HTTPLayer
	Logger *slog.Logger
}

func (f *Fetcher) Fetch(ctx context.Context, id, rawURL string) (*FetchResult, error) {
	scheme, host, port, path, err := splitURL(rawURL)
	if err != nil {
		return nil, err
	}

	c, err := f.open(scheme, host, port)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := c.Close(context.WithoutCancel(ctx)); err != nil {
			f.Logger.Warn("Failed to close http session", "id", id, "mux", c.Mux(), "error", err)
		}
	}()

	status, err := c.Request(ctx, modem.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	f.Logger.Info("Fetched", "id", id, "url", rawURL, "mux", c.Mux(), "status", status)
	return &FetchResult{
		ID:     id,
		URL:    rawURL,
		Status: status,
		Body:   string(c.ResponseBody()),
	}, nil
}

func (f *Fetcher) open(scheme, host string, port int) (*modem.HTTPClient, error) {
	for mux := range modem.MuxCount {
		c, err := f.HTTP.OpenHTTP(mux, scheme, host, port)
		if errors.Is(err, modem.ErrMuxInUse) {
			continue
		}
		return c, err
	}
	return nil, errNoFreeSlot
}

func splitURL(rawURL string) (scheme, host string, port int, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", 0, "", fmt.Errorf("%w: %v", errBadURL, err)
	}
	switch u.Scheme {
	case "http":
		port = 80
	case "https":
		port = 443
	default:
		return "", "", 0, "", errBadURL
	}
	if u.Hostname() == "" {
		return "", "", 0, "", errBadURL
	}
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return "", "", 0, "", fmt.Errorf("%w: %v", errBadURL, err)
		}
	}
	return u.Scheme, u.Hostname(), port, u.RequestURI(), nil
}
