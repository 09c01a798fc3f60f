package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/felipepmaragno/storefront-gateway/internal/domain"
)

const maxSessionBody = 64 << 10

// HTTPProvider asks a remote identity service about a credential.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(baseURL string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *HTTPProvider) Name() string {
	return "http"
}

func (p *HTTPProvider) Verify(ctx context.Context, credential string) (*domain.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/session", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxSessionBody))
		return nil, fmt.Errorf("%w: identity service returned %d", domain.ErrUnauthenticated, resp.StatusCode)
	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxSessionBody))
		return nil, fmt.Errorf("identity service returned %d", resp.StatusCode)
	}

	var s domain.Session
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSessionBody)).Decode(&s); err != nil {
		if errors.Is(err, domain.ErrUnknownRole) {
			return nil, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
		}
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
