package middleware

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/grpc"
)

// testServerStream is a minimal grpc.ServerStream for testing interceptors.
type testServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *testServerStream) Context() context.Context {
	return s.ctx
}

type testTokenValidator struct {
	mu            sync.Mutex
	expectedToken string
	principal     Principal
	called        bool
}

func (v *testTokenValidator) ValidateToken(_ context.Context, token string) (Principal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.called = true
	if token != v.expectedToken {
		return Principal{}, errors.New("invalid token")
	}
	return v.principal, nil
}

func (v *testTokenValidator) wasCalled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.called
}

type fakeKeyStore struct {
	hashes   map[string]string
	projects map[string]string
}

func (s fakeKeyStore) ValidateAPIKey(_ context.Context, id string) (string, string, error) {
	hash, ok := s.hashes[id]
	if !ok {
		return "", "", errors.New("no rows")
	}
	return hash, s.projects[id], nil
}
