package infra

import (
	"context"
	"fmt"
	"log/slog"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"

	"sealer-key-service/internal/domain"
)

// KMSDecrypter はこのパッケージが使うCloud KMS APIのサブセット。
// *kms.KeyManagementClient が満たす。
type KMSDecrypter interface {
	Decrypt(ctx context.Context, req *kmspb.DecryptRequest, opts ...gax.CallOption) (*kmspb.DecryptResponse, error)
}

// NewKMSClient はCloud KMSクライアントを生成する。
func NewKMSClient(ctx context.Context) (*kms.KeyManagementClient, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	return client, nil
}

// SecretFetcher はKMSUnwrapperが包むシークレット取得元。
type SecretFetcher interface {
	FetchLatest(ctx context.Context, secretID string) (*domain.RemoteSecret, error)
	FetchVersion(ctx context.Context, secretID, version string) (*domain.RemoteSecret, error)
}

// KMSUnwrapper はシークレットストアに保存された鍵素材をCloud KMSで復号する。
// レコードが存在しない場合はそのまま (nil, nil) を返す。
type KMSUnwrapper struct {
	next    SecretFetcher
	client  KMSDecrypter
	keyName string
}

// NewKMSUnwrapper は新しいKMSUnwrapperを生成する。
func NewKMSUnwrapper(next SecretFetcher, client KMSDecrypter, keyName string) *KMSUnwrapper {
	return &KMSUnwrapper{
		next:    next,
		client:  client,
		keyName: keyName,
	}
}

// FetchLatest は現行バージョンを取得して復号する。
func (u *KMSUnwrapper) FetchLatest(ctx context.Context, secretID string) (*domain.RemoteSecret, error) {
	secret, err := u.next.FetchLatest(ctx, secretID)
	if err != nil || secret == nil {
		return secret, err
	}
	return u.unwrap(ctx, secret)
}

// FetchVersion は指定バージョンを取得して復号する。
func (u *KMSUnwrapper) FetchVersion(ctx context.Context, secretID, version string) (*domain.RemoteSecret, error) {
	secret, err := u.next.FetchVersion(ctx, secretID, version)
	if err != nil || secret == nil {
		return secret, err
	}
	return u.unwrap(ctx, secret)
}

func (u *KMSUnwrapper) unwrap(ctx context.Context, secret *domain.RemoteSecret) (*domain.RemoteSecret, error) {
	resp, err := u.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       u.keyName,
		Ciphertext: secret.Material,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to decrypt key material",
			"operation", "kms_decrypt",
			"version", secret.Version,
			"error", err,
		)
		return nil, fmt.Errorf("%w: decrypting version %s: %w", domain.ErrRemoteUnavailable, secret.Version, err)
	}

	return &domain.RemoteSecret{
		Version:  secret.Version,
		Material: resp.Plaintext,
		Stages:   secret.Stages,
	}, nil
}
