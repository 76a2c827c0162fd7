package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sierra-crm/be-pr-requisitions/internal/apperrors"
	"github.com/sierra-crm/be-pr-requisitions/internal/repository"
)

// IdentityHTTPClient implements service.IdentityDirectory against the platform
// identity service's JSON API.
type IdentityHTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewIdentityHTTPClient creates a client for the identity service at baseURL.
func NewIdentityHTTPClient(baseURL string, timeout time.Duration) *IdentityHTTPClient {
	return &IdentityHTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type identityUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Lookup returns the display name and role of a user.
func (c *IdentityHTTPClient) Lookup(ctx context.Context, userID string) (string, string, error) {
	var user identityUser
	path := "/api/v1/users/" + url.PathEscape(userID)
	if err := c.get(ctx, path, &user); err != nil {
		return "", "", err
	}
	return user.Name, user.Role, nil
}

// FindApproverForRole returns the current holder of a role, or nil when the
// role is vacant.
func (c *IdentityHTTPClient) FindApproverForRole(ctx context.Context, role string) (*repository.Approver, error) {
	var user identityUser
	path := "/api/v1/roles/" + url.PathEscape(role) + "/holder"
	if err := c.get(ctx, path, &user); err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &repository.Approver{ID: user.ID, Name: user.Name}, nil
}

// SupervisorOf returns the escalation target for an approver.
func (c *IdentityHTTPClient) SupervisorOf(ctx context.Context, userID string) (*repository.Approver, error) {
	var user identityUser
	path := "/api/v1/users/" + url.PathEscape(userID) + "/supervisor"
	if err := c.get(ctx, path, &user); err != nil {
		return nil, err
	}
	return &repository.Approver{ID: user.ID, Name: user.Name}, nil
}

func (c *IdentityHTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "identity: build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "identity: request failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.New(apperrors.ErrCodeNotFound, "identity: resource not found")
	case resp.StatusCode != http.StatusOK:
		return apperrors.New(apperrors.ErrCodeInternal,
			fmt.Sprintf("identity: unexpected status %d from %s", resp.StatusCode, path))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "identity: decode response")
	}
	return nil
}
