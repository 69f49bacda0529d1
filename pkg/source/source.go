// Package source opens the byte stream a program is ingested from: a local
// file, standard input, an http(s) URL or an s3://bucket/key object.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"gcode-sim/pkg/errors"
	"gcode-sim/pkg/log"
)

// Stdin is the URI that selects standard input.
const Stdin = "-"

// Source is an open program stream. Size is -1 when unknown.
type Source struct {
	io.ReadCloser
	Name string
	Size int64
}

// S3API is the subset of the S3 client used to fetch objects.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Options configure access to s3:// sources. Empty credentials fall
// back to the default AWS chain.
type S3Options struct {
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
}

// Options configure Open.
type Options struct {
	HTTPClient *http.Client
	S3         S3Options
	// S3Client overrides the client built from S3.
	S3Client S3API
	// Stdin replaces os.Stdin for the "-" source.
	Stdin  io.Reader
	Logger *log.Logger
}

// Open resolves uri and opens it for streaming.
func Open(ctx context.Context, uri string, opts Options) (*Source, error) {
	if opts.Logger == nil {
		opts.Logger = log.GetLogger("source")
	}

	var (
		src *Source
		err error
	)
	switch {
	case uri == Stdin:
		src = openStdin(opts)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		src, err = openHTTP(ctx, uri, opts)
	case strings.HasPrefix(uri, "s3://"):
		src, err = openS3(ctx, uri, opts)
	case strings.HasPrefix(uri, "file://"):
		src, err = openFile(strings.TrimPrefix(uri, "file://"), opts)
	default:
		src, err = openFile(uri, opts)
	}
	if err != nil {
		return nil, errors.IngestionError(uri, err)
	}

	opts.Logger.WithFields(log.Fields{"source": src.Name, "size": src.Size}).Debug("source opened")
	return src, nil
}

func openStdin(opts Options) *Source {
	r := opts.Stdin
	if r == nil {
		r = os.Stdin
	}
	return &Source{ReadCloser: io.NopCloser(r), Name: "stdin", Size: -1}
}

func openFile(path string, opts Options) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if err := adviseSequential(f); err != nil {
		opts.Logger.WithError(err).Debug("read-ahead hint not applied")
	}
	return &Source{ReadCloser: f, Name: path, Size: fi.Size()}, nil
}

func openHTTP(ctx context.Context, uri string, opts Options) (*Source, error) {
	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return &Source{ReadCloser: resp.Body, Name: uri, Size: resp.ContentLength}, nil
}

// parseS3 splits s3://bucket/key.
func parseS3(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", err
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("want s3://bucket/key, got %q", uri)
	}
	return bucket, key, nil
}

func openS3(ctx context.Context, uri string, opts Options) (*Source, error) {
	bucket, key, err := parseS3(uri)
	if err != nil {
		return nil, err
	}

	client := opts.S3Client
	if client == nil {
		if client, err = NewS3Client(ctx, opts.S3); err != nil {
			return nil, err
		}
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = aws.ToInt64(out.ContentLength)
	}
	return &Source{ReadCloser: out.Body, Name: uri, Size: size}, nil
}

// NewS3Client builds an S3 client from the default AWS configuration,
// overridden by opts. A custom endpoint selects S3-compatible stores
// such as MinIO.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	}), nil
}
