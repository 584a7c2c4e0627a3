package storage

import (
	"context"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"gwi.com/bot-portal/internal/config"
)

const defaultContentType = "application/octet-stream"

// putObjectAPI is the slice of the S3 client the uploader needs.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Overridable in tests.
var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) putObjectAPI {
		return s3.NewFromConfig(cfg, optFns...)
	}
	now = time.Now
)

// Uploader streams original uploads to an S3-compatible store. A nil client
// means the store is not configured and Upload does nothing.
type Uploader struct {
	client        putObjectAPI
	bucket        string
	publicBaseURL string
}

// NewUploader returns a disabled uploader unless endpoint, access key,
// secret key and bucket are all configured.
func NewUploader(ctx context.Context, cfg config.Config) (*Uploader, error) {
	u := &Uploader{bucket: cfg.S3Bucket, publicBaseURL: strings.TrimRight(cfg.S3PublicBaseURL, "/")}
	if !cfg.ObjectStoreEnabled() {
		log.Println("Object store not configured, uploads are disabled")
		return u, nil
	}

	awsCfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKey,
			cfg.S3SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("failed to load object store config: %w", err)
	}

	u.client = newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		o.UsePathStyle = true
	})
	return u, nil
}

func (u *Uploader) Enabled() bool {
	return u != nil && u.client != nil
}

// Upload stores the file and returns its public URL. The URL is empty when
// uploads are disabled or no public base URL is configured.
func (u *Uploader) Upload(ctx context.Context, path, name, contentType string) (string, error) {
	if !u.Enabled() {
		return "", nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat upload: %w", err)
	}

	key := RandomObjectKey(name)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(ResolveContentType(contentType, name)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object %s: %w", key, err)
	}
	log.Printf("Uploaded %s to bucket %s as %s", name, u.bucket, key)

	if u.publicBaseURL == "" {
		return "", nil
	}
	return u.publicBaseURL + "/" + key, nil
}

// RandomObjectKey is "<unix millis>-<random><ext>".
func RandomObjectKey(name string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%d-%s%s", now().UnixMilli(), suffix, strings.ToLower(filepath.Ext(name)))
}

// ResolveContentType prefers the declared type, then the extension, then a
// generic binary type.
func ResolveContentType(declared, name string) string {
	if declared != "" {
		return declared
	}
	if byExt := mime.TypeByExtension(filepath.Ext(name)); byExt != "" {
		return byExt
	}
	return defaultContentType
}
