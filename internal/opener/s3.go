package opener

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/haul/internal/task"
	"github.com/tanq16/haul/internal/utils"
)

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Publisher uploads each finished file to a bucket under a key prefix.
type S3Publisher struct {
	Bucket string
	Prefix string

	uploader uploader
	done     func(key string, err error)
	inflight sync.WaitGroup
}

func NewS3Publisher(ctx context.Context, bucket, prefix, profile string) (*S3Publisher, error) {
	if profile == "" {
		profile = os.Getenv("AWS_PROFILE")
	}
	opts := []func(*config.LoadOptions) error{config.WithRetryMode("adaptive")}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.DisableLogOutputChecksumValidationSkipped = true
	})
	up := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = utils.DefaultBufferSize
		u.Concurrency = 4
	})
	return &S3Publisher{Bucket: bucket, Prefix: prefix, uploader: up}, nil
}

func (p *S3Publisher) key(file string) string {
	return path.Join(p.Prefix, filepath.Base(file))
}

func (p *S3Publisher) Open(snap task.Snapshot) Action {
	if snap.File == "" {
		return nil
	}
	key := p.key(snap.File)
	// the upload leaves the queue right away; the queue context must not
	// follow it since work posted from the upload would run inline
	return func(context.Context) {
		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			err := p.upload(context.Background(), snap, key)
			if err != nil {
				log.Error().Str("op", "opener/s3").Str("bucket", p.Bucket).Str("key", key).Err(err).Msg("publish failed")
			} else {
				log.Info().Str("op", "opener/s3").Str("bucket", p.Bucket).Str("key", key).Msg("published")
			}
			if p.done != nil {
				p.done(key, err)
			}
		}()
	}
}

// Wait blocks until uploads already started have finished or ctx ends.
func (p *S3Publisher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *S3Publisher) upload(ctx context.Context, snap task.Snapshot, key string) error {
	f, err := os.Open(snap.File)
	if err != nil {
		return err
	}
	defer f.Close()
	input := &s3.PutObjectInput{
		Bucket: aws.String(p.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}
	if snap.MimeType != "" {
		input.ContentType = aws.String(snap.MimeType)
	}
	if snap.FileChecksum != "" {
		input.Metadata = map[string]string{"md5": snap.FileChecksum}
	}
	if _, err := p.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
