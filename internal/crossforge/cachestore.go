package crossforge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// CacheStore is the external build-cache collaborator. Puts must be
// idempotent under the key: the same key always maps to the same content, so
// concurrent writers racing on one key are safe without locking.
type CacheStore interface {
	Get(ctx context.Context, key CacheKey) ([]byte, bool, error)
	Put(ctx context.Context, key CacheKey, data []byte) error
}

// LocalStore keeps cached artifacts in a flat directory, one file per key.
type LocalStore struct {
	Dir string
}

func NewLocalStore(dir string) *LocalStore {
	return &LocalStore{Dir: dir}
}

func (s *LocalStore) path(key CacheKey) string {
	return filepath.Join(s.Dir, string(key)+".bin")
}

func (s *LocalStore) Get(_ context.Context, key CacheKey) ([]byte, bool, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (s *LocalStore) Put(_ context.Context, key CacheKey, data []byte) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	// Write-then-rename keeps concurrent readers from seeing a partial file.
	tmp, err := os.CreateTemp(s.Dir, "put-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path(key))
}

// RemoteStore wraps an S3-compatible bucket (Cloudflare R2 in production) as
// a cache backend shared across pipeline runs.
type RemoteStore struct {
	Client     *s3.Client
	BucketName string
	Prefix     string
}

// NewRemoteStore initializes the remote cache client from configuration
// values. Returns nil without error when no remote cache is configured.
func NewRemoteStore(cfg *Config) (*RemoteStore, error) {
	accountID := cfg.Values["CROSSFORGE_R2_ACCOUNT_ID"]
	accessKey := cfg.Values["CROSSFORGE_R2_ACCESS_KEY_ID"]
	secretKey := cfg.Values["CROSSFORGE_R2_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["CROSSFORGE_R2_BUCKET_NAME"]

	if accountID == "" && accessKey == "" && secretKey == "" && bucketName == "" {
		return nil, nil
	}
	if accountID == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("remote cache credentials incomplete (need CROSSFORGE_R2_ACCOUNT_ID, CROSSFORGE_R2_ACCESS_KEY_ID, CROSSFORGE_R2_SECRET_ACCESS_KEY, CROSSFORGE_R2_BUCKET_NAME)")
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
		}, nil
	})

	options := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		awsconfig.WithRegion("auto"),
	}

	if Debug {
		options = append(options, awsconfig.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load remote cache config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &RemoteStore{
		Client:     client,
		BucketName: bucketName,
		Prefix:     "build-cache/",
	}, nil
}

func (r *RemoteStore) objectKey(key CacheKey) string {
	return r.Prefix + string(key) + ".bin"
}

func (r *RemoteStore) Get(ctx context.Context, key CacheKey) ([]byte, bool, error) {
	output, err := r.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.BucketName),
		Key:    aws.String(r.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer output.Body.Close()

	var reader io.Reader = output.Body
	if output.ContentLength != nil && isTTY() {
		bar := progressbar.DefaultBytes(*output.ContentLength, "cache fetch")
		reader = io.TeeReader(output.Body, bar)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *RemoteStore) Put(ctx context.Context, key CacheKey, data []byte) error {
	var body io.Reader = bytes.NewReader(data)
	if isTTY() {
		bar := progressbar.DefaultBytes(int64(len(data)), "cache store")
		body = io.TeeReader(body, bar)
	}

	_, err := r.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.BucketName),
		Key:           aws.String(r.objectKey(key)),
		Body:          body,
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
	})
	return err
}

// TieredStore checks the local directory first and falls back to the remote
// bucket, refilling the local copy on a remote hit. Either tier may be nil.
type TieredStore struct {
	Local  CacheStore
	Remote CacheStore
}

func (t *TieredStore) Get(ctx context.Context, key CacheKey) ([]byte, bool, error) {
	if t.Local != nil {
		data, ok, err := t.Local.Get(ctx, key)
		if err == nil && ok {
			return data, true, nil
		}
		if err != nil {
			debugf("local cache get failed for %s: %v\n", key, err)
		}
	}
	if t.Remote != nil {
		data, ok, err := t.Remote.Get(ctx, key)
		if err != nil || !ok {
			return nil, false, err
		}
		if t.Local != nil {
			if err := t.Local.Put(ctx, key, data); err != nil {
				debugf("local cache refill failed for %s: %v\n", key, err)
			}
		}
		return data, true, nil
	}
	return nil, false, nil
}

func (t *TieredStore) Put(ctx context.Context, key CacheKey, data []byte) error {
	var firstErr error
	if t.Local != nil {
		if err := t.Local.Put(ctx, key, data); err != nil {
			firstErr = err
		}
	}
	if t.Remote != nil {
		if err := t.Remote.Put(ctx, key, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
