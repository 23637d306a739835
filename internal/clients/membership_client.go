// internal/clients/membership_client.go
package clients

import (
	"context"
	"net/http"

	"booklibrary/internal/membership"
)

type MembershipClient struct {
	base
}

func NewMembershipClient(baseURL string, hc *http.Client) *MembershipClient {
	return &MembershipClient{base: newBase(baseURL, hc)}
}

func (c *MembershipClient) Register(ctx context.Context, req membership.RegisterRequest) (*membership.User, error) {
	var user membership.User
	if err := c.do(ctx, http.MethodPost, "/register", req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Login returns a session token. The client does not keep it; pass it to
// SetToken on the clients that need it.
func (c *MembershipClient) Login(ctx context.Context, username, password string) (*membership.LoginResponse, error) {
	var resp membership.LoginResponse
	err := c.do(ctx, http.MethodPost, "/login", membership.LoginRequest{Username: username, Password: password}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
