package auth

import (
	"context"
	"net/http"
)

// DevAuthenticator accepts every request as a fixed local identity.
// Only for development and tests.
type DevAuthenticator struct {
	subject string
}

func NewDevAuthenticator(subject string) *DevAuthenticator {
	if subject == "" {
		subject = "dev-user"
	}
	return &DevAuthenticator{subject: subject}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return Identity{
		Subject: a.subject,
		Email:   a.subject + "@localhost",
		Name:    a.subject,
	}, nil
}
