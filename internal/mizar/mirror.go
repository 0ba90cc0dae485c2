package mizar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MirrorClient wraps an S3 client for the artifact mirror, an
// S3-compatible bucket (Cloudflare R2) holding built artifacts and
// released disk images.
type MirrorClient struct {
	Client     *s3.Client
	BucketName string
}

// NewMirrorClient initializes the mirror client from configuration values.
func NewMirrorClient(cfg *Config) (*MirrorClient, error) {
	accountID := cfg.Values["MIRROR_ACCOUNT_ID"]
	accessKey := cfg.Values["MIRROR_ACCESS_KEY_ID"]
	secretKey := cfg.Values["MIRROR_SECRET_ACCESS_KEY"]
	bucketName := cfg.Values["MIRROR_BUCKET_NAME"]

	if accountID == "" || accessKey == "" || secretKey == "" || bucketName == "" {
		return nil, fmt.Errorf("mirror credentials missing in configuration (MIRROR_ACCOUNT_ID, MIRROR_ACCESS_KEY_ID, MIRROR_SECRET_ACCESS_KEY, MIRROR_BUCKET_NAME)")
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{
			URL: fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
		}, nil
	})

	options := []func(*config.LoadOptions) error{
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		config.WithRegion("auto"),
	}

	if Debug {
		options = append(options, config.WithClientLogMode(aws.LogSigning|aws.LogRetries|aws.LogRequest|aws.LogResponse))
	}

	awsCfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to load mirror config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &MirrorClient{
		Client:     client,
		BucketName: bucketName,
	}, nil
}

// UploadLocalFile streams a file from disk into the bucket.
func (m *MirrorClient) UploadLocalFile(ctx context.Context, key, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return err
	}

	contentType := "application/octet-stream"
	if strings.HasSuffix(key, ".zst") {
		contentType = "application/zstd"
	}

	_, err = m.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.BucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(stat.Size()),
		ContentType:   aws.String(contentType),
	})
	return err
}

// MirrorObject represents metadata for an object in the mirror bucket.
type MirrorObject struct {
	Key  string
	Size int64
}

// ListObjects returns the objects in the bucket with the given prefix.
func (m *MirrorClient) ListObjects(ctx context.Context, prefix string) ([]MirrorObject, error) {
	var objects []MirrorObject
	paginator := s3.NewListObjectsV2Paginator(m.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.BucketName),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			objects = append(objects, MirrorObject{
				Key:  *obj.Key,
				Size: *obj.Size,
			})
		}
	}
	return objects, nil
}

// uploadTargets resolves what `mizar upload` should push: the compressed
// disk image, stage artifact tarballs, or both.
func uploadTargets(withImage, withArtifacts bool) ([]string, error) {
	var paths []string
	if withImage {
		img := imagePath() + ".zst"
		if _, err := os.Stat(img); err != nil {
			return nil, fmt.Errorf("no compressed image at %s (run 'mizar image')", img)
		}
		paths = append(paths, img)
	}
	if withArtifacts {
		entries, err := os.ReadDir(ArtifactDir)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".tar.zst") {
				paths = append(paths, filepath.Join(ArtifactDir, e.Name()))
			}
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("nothing to upload")
	}
	return paths, nil
}

func runUpload(ctx context.Context, cfg *Config, prefix string, withImage, withArtifacts, listOnly bool) error {
	client, err := NewMirrorClient(cfg)
	if err != nil {
		return err
	}

	if listOnly {
		objects, err := client.ListObjects(ctx, prefix)
		if err != nil {
			return err
		}
		for _, obj := range objects {
			fmt.Printf("%12d  %s\n", obj.Size, obj.Key)
		}
		return nil
	}

	paths, err := uploadTargets(withImage, withArtifacts)
	if err != nil {
		return err
	}

	for _, path := range paths {
		key := filepath.Base(path)
		if prefix != "" {
			key = strings.TrimSuffix(prefix, "/") + "/" + key
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Uploading %s\n", key)
		if err := client.UploadLocalFile(ctx, key, path); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}
	cPrintf(colNote, "Uploaded %d file(s)\n", len(paths))
	return nil
}
