package release

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/snpguard/vm-builder/interfaces"
)

// BundleStore distributes release archives through Amazon S3 or a
// compatible service. Reads work against public buckets without
// credentials; pushes require an access key pair.
type BundleStore struct {
	client         *s3.S3
	writeClient    *s3.S3
	bucketName     string
	prefix         string
	log            *slog.Logger
	hasWriteAccess bool
}

// NewBundleStore creates an S3-backed bundle store.
// If accessKey and secretKey are provided, the store will have write access.
// Otherwise, it is read-only for publicly accessible objects.
func NewBundleStore(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*BundleStore, error) {
	baseCfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		baseCfg.Endpoint = aws.String(endpoint)
	}

	baseSess, err := session.NewSession(&baseCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	readClient := s3.New(baseSess)

	hasWriteAccess := accessKey != "" && secretKey != ""
	var writeClient *s3.S3

	if hasWriteAccess {
		writeCfg := baseCfg.Copy()
		writeCfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")

		writeSess, err := session.NewSession(writeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create AWS write session: %w", err)
		}
		writeClient = s3.New(writeSess)
	} else {
		writeClient = readClient
		log.Warn("No S3 credentials provided - push operations may fail unless bucket is public writable")
	}

	return &BundleStore{
		client:         readClient,
		writeClient:    writeClient,
		bucketName:     bucketName,
		prefix:         strings.TrimSuffix(prefix, "/"),
		log:            log,
		hasWriteAccess: hasWriteAccess,
	}, nil
}

// Push uploads a release archive under the given name.
func (b *BundleStore) Push(ctx context.Context, archivePath, name string) error {
	start := time.Now()
	key := b.objectKey(name)

	f, err := os.Open(archivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &interfaces.IncompleteArtifact{Path: archivePath}
		}
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	_, err = b.writeClient.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		if !b.hasWriteAccess {
			return fmt.Errorf("failed to upload bundle to S3 (no write credentials provided): %w", err)
		}
		return fmt.Errorf("failed to upload bundle to S3: %w", err)
	}

	b.log.Info("Pushed release bundle to S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Pull downloads the named archive to a local path.
func (b *BundleStore) Pull(ctx context.Context, name, destPath string) error {
	start := time.Now()
	key := b.objectKey(name)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return &interfaces.IncompleteArtifact{Path: "s3://" + b.bucketName + "/" + key}
		}
		return fmt.Errorf("failed to get bundle from S3: %w", err)
	}
	defer result.Body.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer out.Close()

	n, err := io.Copy(out, result.Body)
	if err != nil {
		return fmt.Errorf("failed to read bundle body: %w", err)
	}

	b.log.Info("Pulled release bundle from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int64("size", n),
		slog.Duration("duration", time.Since(start)))
	return out.Sync()
}

// Available checks if the store is accessible by heading the bucket.
func (b *BundleStore) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 bundle store unavailable",
			slog.String("bucket", b.bucketName),
			"err", err)
		return false
	}
	return true
}

func (b *BundleStore) objectKey(name string) string {
	if b.prefix == "" {
		return name
	}
	return path.Join(b.prefix, name)
}
