package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sealer-key-service/config"
	"sealer-key-service/internal/domain"
)

// SecretsManagerAPI はこのアダプタが使うSecrets Manager APIのサブセット。
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// NewSecretsManagerClient はAWSの既定の認証情報チェーンでクライアントを生成する。
// SECRETS_MANAGER_ENDPOINTが設定されている場合はそのエンドポイントを使う（LocalStack等）。
func NewSecretsManagerClient(ctx context.Context, cfg *config.Config) (*secretsmanager.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.SecretsManagerEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.SecretsManagerEndpoint)
		}
	}), nil
}

// SecretsManagerFetcher はSecrets Managerから鍵レコードを取得する。
// 結果はキャッシュせず、ステージラベルの検証も行わない。
type SecretsManagerFetcher struct {
	client SecretsManagerAPI
	tracer trace.Tracer
}

// NewSecretsManagerFetcher は新しいSecretsManagerFetcherを生成する。
func NewSecretsManagerFetcher(client SecretsManagerAPI) *SecretsManagerFetcher {
	return &SecretsManagerFetcher{
		client: client,
		tracer: otel.Tracer("sealer-key-service/infra"),
	}
}

// FetchLatest はシークレットの現行バージョンを取得する。存在しない場合は (nil, nil) を返す。
func (f *SecretsManagerFetcher) FetchLatest(ctx context.Context, secretID string) (*domain.RemoteSecret, error) {
	return f.fetch(ctx, "SecretsManager.FetchLatest", &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
}

// FetchVersion は指定バージョンを取得する。存在しない場合は (nil, nil) を返す。
func (f *SecretsManagerFetcher) FetchVersion(ctx context.Context, secretID, version string) (*domain.RemoteSecret, error) {
	return f.fetch(ctx, "SecretsManager.FetchVersion", &secretsmanager.GetSecretValueInput{
		SecretId:  aws.String(secretID),
		VersionId: aws.String(version),
	})
}

func (f *SecretsManagerFetcher) fetch(ctx context.Context, spanName string, input *secretsmanager.GetSecretValueInput) (*domain.RemoteSecret, error) {
	ctx, span := f.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("secret.id", aws.ToString(input.SecretId)),
		attribute.String("secret.version", aws.ToString(input.VersionId)),
	))
	defer span.End()

	out, err := f.client.GetSecretValue(ctx, input)
	if err != nil {
		if isAbsent(err) {
			span.SetAttributes(attribute.Bool("secret.found", false))
			slog.DebugContext(ctx, "secret not found",
				"operation", "get_secret_value",
				"secret_id", aws.ToString(input.SecretId),
				"version", aws.ToString(input.VersionId),
				"error", err,
			)
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "get secret value failed")
		slog.ErrorContext(ctx, "failed to get secret value",
			"operation", "get_secret_value",
			"secret_id", aws.ToString(input.SecretId),
			"error_code", errorCode(err),
			"error", err,
		)
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteUnavailable, err)
	}

	if out.SecretBinary == nil || out.VersionId == nil {
		span.SetStatus(codes.Error, "malformed secret")
		return nil, fmt.Errorf("%w: %w: secret %s has no binary payload or version id",
			domain.ErrRemoteUnavailable, domain.ErrMalformedSecret, aws.ToString(input.SecretId))
	}

	stages := out.VersionStages
	if stages == nil {
		stages = []string{}
	}
	span.SetAttributes(
		attribute.Bool("secret.found", true),
		attribute.StringSlice("secret.stages", stages),
	)

	return &domain.RemoteSecret{
		Version:  aws.ToString(out.VersionId),
		Material: out.SecretBinary,
		Stages:   stages,
	}, nil
}

// isAbsent はレコードが存在しないものとして扱うエラーかを返す。
func isAbsent(err error) bool {
	var notFound *types.ResourceNotFoundException
	var invalidRequest *types.InvalidRequestException
	var invalidParameter *types.InvalidParameterException
	return errors.As(err, &notFound) ||
		errors.As(err, &invalidRequest) ||
		errors.As(err, &invalidParameter)
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return "unknown"
}
