package infra

import (
	"bytes"
	"context"
	"errors"
	"testing"

	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"

	"sealer-key-service/internal/domain"
)

const testKMSKeyName = "projects/p/locations/global/keyRings/r/cryptoKeys/sealer"

// mockKMSDecrypter はテスト用のモックKMSクライアント。
type mockKMSDecrypter struct {
	plaintext map[string][]byte // ciphertext -> plaintext
	err       error
	calls     int
	lastName  string
}

func (m *mockKMSDecrypter) Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error) {
	m.calls++
	m.lastName = req.Name
	if m.err != nil {
		return nil, m.err
	}
	return &kmspb.DecryptResponse{Plaintext: m.plaintext[string(req.Ciphertext)]}, nil
}

// stubFetcher はテスト用の固定レスポンスを返すSecretFetcher。
type stubFetcher struct {
	secret *domain.RemoteSecret
	err    error
}

func (s *stubFetcher) FetchLatest(ctx context.Context, secretID string) (*domain.RemoteSecret, error) {
	return s.secret, s.err
}

func (s *stubFetcher) FetchVersion(ctx context.Context, secretID, version string) (*domain.RemoteSecret, error) {
	return s.secret, s.err
}

func TestKMSUnwrapper_DecryptsMaterial(t *testing.T) {
	next := &stubFetcher{secret: &domain.RemoteSecret{
		Version:  "v1",
		Material: []byte("wrapped"),
		Stages:   []string{domain.StageCurrent},
	}}
	client := &mockKMSDecrypter{plaintext: map[string][]byte{"wrapped": []byte("plain-key")}}
	u := NewKMSUnwrapper(next, client, testKMSKeyName)

	for name, fetch := range map[string]func() (*domain.RemoteSecret, error){
		"latest":  func() (*domain.RemoteSecret, error) { return u.FetchLatest(context.Background(), "sealer-key") },
		"version": func() (*domain.RemoteSecret, error) { return u.FetchVersion(context.Background(), "sealer-key", "v1") },
	} {
		secret, err := fetch()
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		if !bytes.Equal(secret.Material, []byte("plain-key")) {
			t.Errorf("%s: want material plain-key, got %q", name, secret.Material)
		}
		if secret.Version != "v1" || len(secret.Stages) != 1 {
			t.Errorf("%s: want version and stages preserved, got %+v", name, secret)
		}
	}
	if client.lastName != testKMSKeyName {
		t.Errorf("want key name %s, got %s", testKMSKeyName, client.lastName)
	}
	if !bytes.Equal(next.secret.Material, []byte("wrapped")) {
		t.Error("want original record left untouched")
	}
}

func TestKMSUnwrapper_AbsencePassesThrough(t *testing.T) {
	client := &mockKMSDecrypter{}
	u := NewKMSUnwrapper(&stubFetcher{}, client, testKMSKeyName)

	secret, err := u.FetchVersion(context.Background(), "sealer-key", "v1")
	if err != nil || secret != nil {
		t.Errorf("want (nil, nil), got (%+v, %v)", secret, err)
	}
	if client.calls != 0 {
		t.Errorf("want no KMS call, got %d", client.calls)
	}
}

func TestKMSUnwrapper_FetchErrorPassesThrough(t *testing.T) {
	client := &mockKMSDecrypter{}
	u := NewKMSUnwrapper(&stubFetcher{err: domain.ErrMalformedSecret}, client, testKMSKeyName)

	_, err := u.FetchLatest(context.Background(), "sealer-key")
	if !errors.Is(err, domain.ErrMalformedSecret) {
		t.Errorf("want ErrMalformedSecret, got %v", err)
	}
	if client.calls != 0 {
		t.Errorf("want no KMS call, got %d", client.calls)
	}
}

func TestKMSUnwrapper_DecryptFailure(t *testing.T) {
	next := &stubFetcher{secret: &domain.RemoteSecret{Version: "v1", Material: []byte("wrapped")}}
	u := NewKMSUnwrapper(next, &mockKMSDecrypter{err: errors.New("permission denied")}, testKMSKeyName)

	_, err := u.FetchLatest(context.Background(), "sealer-key")
	if !errors.Is(err, domain.ErrRemoteUnavailable) {
		t.Errorf("want ErrRemoteUnavailable, got %v", err)
	}
}
