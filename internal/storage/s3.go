package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/logging"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string
	CDNURL   string
}

// S3 stores attachments in an S3 compatible bucket.
type S3 struct {
	client s3iface.S3API
	bucket string
	cdnURL string
	now    func() time.Time
	logger *zap.Logger
}

func NewS3(cfg S3Config, logger *zap.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	awsCfg := aws.NewConfig().WithRegion(cfg.Region)
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}

	return NewS3WithClient(s3.New(sess), cfg, logger), nil
}

func NewS3WithClient(client s3iface.S3API, cfg S3Config, logger *zap.Logger) *S3 {
	cdnURL := cfg.CDNURL
	if cdnURL == "" {
		cdnURL = fmt.Sprintf("https://%s.s3.amazonaws.com", cfg.Bucket)
	}
	return &S3{
		client: client,
		bucket: cfg.Bucket,
		cdnURL: strings.TrimSuffix(cdnURL, "/"),
		now:    time.Now,
		logger: logging.OrNop(logger),
	}
}

func (s *S3) Put(ctx context.Context, r io.Reader, name, contentType string) (*Object, error) {
	key := fmt.Sprintf("attachments/%s/%s%s",
		s.now().Format("2006/01/02"),
		uuid.New().String(),
		filepath.Ext(name),
	)

	buf := new(bytes.Buffer)
	size, err := io.Copy(buf, contextReader{ctx: ctx, r: r})
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(size),
		Metadata: map[string]*string{
			"uploaded-at": aws.String(s.now().Format(time.RFC3339)),
			"file-name":   aws.String(name),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("upload to s3: %w", err)
	}

	s.logger.Info("stored file in s3",
		zap.String("bucket", s.bucket),
		zap.String("key", key),
		zap.Int64("size", size),
	)

	return &Object{
		Key:         key,
		Name:        name,
		ContentType: contentType,
		Size:        size,
		URL:         fmt.Sprintf("%s/%s", s.cdnURL, key),
	}, nil
}

func (s *S3) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", fmt.Errorf("get object: %w", err)
	}
	return out.Body, aws.StringValue(out.ContentType), nil
}

func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil
		}
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
