package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/runloom/runloom/internal/common/config"
	"github.com/runloom/runloom/internal/common/logger"
)

// S3Store implements BlobStore against any S3-compatible endpoint.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	cfg     config.S3Config
	logger  *logger.Logger
}

// NewS3Store creates a blob store from configuration. A custom endpoint
// (MinIO and friends) is honored when set; otherwise the default AWS
// resolution applies.
func NewS3Store(ctx context.Context, cfg config.S3Config, log *logger.Logger) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "s3_store")),
	}, nil
}

// PutObject stores raw bytes under key.
func (s *S3Store) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// UploadFile streams a local file to key.
func (s *S3Store) UploadFile(ctx context.Context, key, localPath, contentType string) (ObjectInfo, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", localPath, err)
	}

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(stat.Size()),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("upload %s: %w", key, err)
	}

	info := ObjectInfo{Key: key, Size: stat.Size()}
	if out.ETag != nil {
		info.ETag = strings.Trim(*out.ETag, `"`)
	}
	return info, nil
}

// GetObject fetches an object's bytes.
func (s *S3Store) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// DownloadPrefix downloads every object under prefix into destRoot.
// Keys whose relative path would escape destRoot are skipped.
func (s *S3Store) DownloadPrefix(ctx context.Context, prefix, destRoot string) (int, error) {
	objects, err := s.ListPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}

	downloaded := 0
	for _, obj := range objects {
		rel := strings.TrimPrefix(obj.Key, prefix)
		if rel == "" || strings.HasSuffix(obj.Key, "/") {
			continue
		}
		dest, ok := safeDestination(destRoot, rel)
		if !ok {
			s.logger.Warn("skipping object escaping destination root",
				zap.String("key", obj.Key))
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return downloaded, fmt.Errorf("mkdir for %s: %w", dest, err)
		}
		data, err := s.GetObject(ctx, obj.Key)
		if err != nil {
			return downloaded, err
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return downloaded, fmt.Errorf("write %s: %w", dest, err)
		}
		downloaded++
	}
	return downloaded, nil
}

// ListPrefix lists objects under prefix.
func (s *S3Store) ListPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list prefix %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.ETag != nil {
				info.ETag = strings.Trim(*obj.ETag, `"`)
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			objects = append(objects, info)
		}
	}
	return objects, nil
}

// DeletePrefix deletes every object under prefix and returns the count.
func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	objects, err := s.ListPrefix(ctx, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, obj := range objects {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(obj.Key),
		})
		if err != nil {
			return deleted, fmt.Errorf("delete object %s: %w", obj.Key, err)
		}
		deleted++
	}
	return deleted, nil
}

// PresignGet returns a time-limited inline GET URL for key.
func (s *S3Store) PresignGet(ctx context.Context, key, filename, contentType string) (string, error) {
	input := &s3.GetObjectInput{
		Bucket:                     aws.String(s.bucket),
		Key:                        aws.String(key),
		ResponseContentDisposition: aws.String(fmt.Sprintf("inline; filename=%q", filename)),
	}
	if contentType != "" {
		input.ResponseContentType = aws.String(contentType)
	}

	req, err := s.presign.PresignGetObject(ctx, input, func(o *s3.PresignOptions) {
		o.Expires = s.cfg.PresignTTL()
	})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}

	return s.rewritePublicURL(req.URL), nil
}

// rewritePublicURL swaps the internal endpoint for the public one so
// presigned URLs work from outside the deployment network.
func (s *S3Store) rewritePublicURL(url string) string {
	if s.cfg.PublicEndpoint == "" || s.cfg.Endpoint == "" {
		return url
	}
	return strings.Replace(url, s.cfg.Endpoint, s.cfg.PublicEndpoint, 1)
}

// safeDestination joins root and rel, rejecting paths that escape root.
func safeDestination(root, rel string) (string, bool) {
	dest := filepath.Join(root, filepath.FromSlash(rel))
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", false
	}
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return "", false
	}
	if absDest != absRoot && !strings.HasPrefix(absDest, absRoot+string(os.PathSeparator)) {
		return "", false
	}
	return dest, true
}
