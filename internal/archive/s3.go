package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/park285/connect4-arena/internal/adapter/arenapresenter"
	"github.com/park285/connect4-arena/internal/config"
	"github.com/park285/connect4-arena/internal/domain"
	"github.com/park285/connect4-arena/internal/obslog"
)

type putter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 writes finished matches as JSON objects to an S3-compatible bucket.
type S3 struct {
	client putter
	bucket string
	prefix string
	logger *zap.Logger
}

func NewS3(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*S3, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("archive bucket not configured")
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load s3 config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ep := strings.TrimSpace(cfg.Endpoint); ep != "" {
			o.BaseEndpoint = aws.String(ep)
			o.UsePathStyle = true
		}
	})
	return newS3(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func newS3(client putter, bucket, prefix string, logger *zap.Logger) *S3 {
	return &S3{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		logger: obslog.Or(logger),
	}
}

// Key is the object key of a match: <prefix>/<tournament|standalone>/<id>.json.
func (a *S3) Key(m *domain.Match) string {
	group := m.TournamentID
	if group == "" {
		group = "standalone"
	}
	return path.Join(a.prefix, group, m.ID+".json")
}

func (a *S3) Archive(ctx context.Context, m *domain.Match) error {
	if m == nil || !m.Status.Terminal() {
		return nil
	}
	body, err := json.Marshal(arenapresenter.ToDTOMatch(m))
	if err != nil {
		return fmt.Errorf("encode match %s: %w", m.ID, err)
	}
	key := a.Key(m)
	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	a.logger.Info("match_archived", zap.String("match_id", m.ID), zap.String("key", key), zap.Int("bytes", len(body)))
	return nil
}
