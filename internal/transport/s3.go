package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/clinisync/clinisync/internal/errs"
	"github.com/clinisync/clinisync/internal/logging"
)

// S3Config configures the production transport. Endpoint supports
// S3-compatible stores (MinIO and friends); leave it empty for AWS proper.
type S3Config struct {
	Region          string
	Endpoint        string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Transport stores backup blobs in a single S3 bucket, one object per
// backup, keyed by the upload name.
type S3Transport struct {
	client *s3.Client
	bucket string
	log    logging.Logger
}

var _ Transport = (*S3Transport)(nil)

func NewS3Transport(ctx context.Context, cfg S3Config, log logging.Logger) (*S3Transport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Transport{client: client, bucket: cfg.Bucket, log: log}, nil
}

func (t *S3Transport) List(ctx context.Context, prefix string) ([]BlobInfo, error) {
	var blobs []BlobInfo

	p := s3.NewListObjectsV2Paginator(t.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(t.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("transport.List", err)
		}
		for _, obj := range page.Contents {
			blobs = append(blobs, BlobInfo{
				ID:           aws.ToString(obj.Key),
				Name:         aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ModifiedTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	sort.Slice(blobs, func(i, j int) bool {
		return blobs[i].ModifiedTime.After(blobs[j].ModifiedTime)
	})
	return blobs, nil
}

func (t *S3Transport) Upload(ctx context.Context, name string, data []byte) (string, error) {
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(name),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", classify("transport.Upload", err)
	}
	t.log.Debug(ctx, "blob uploaded", "name", name, "size", len(data))
	return name, nil
}

func (t *S3Transport) Download(ctx context.Context, id string, progress ProgressFunc) ([]byte, error) {
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return nil, classify("transport.Download", err)
	}
	defer out.Body.Close()

	total := int64(-1)
	if out.ContentLength != nil {
		total = *out.ContentLength
	}

	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, err := out.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if progress != nil {
				progress(int64(buf.Len()), total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, classify("transport.Download", err)
		}
	}
	return buf.Bytes(), nil
}

func (t *S3Transport) Delete(ctx context.Context, id string) error {
	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(id),
	})
	if err != nil {
		return classify("transport.Delete", err)
	}
	return nil
}

// classify maps SDK and network failures onto the engine error taxonomy so
// the retry controller can pick a policy without knowing about S3.
func classify(op string, err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return fmt.Errorf("%s: %w", op, errs.ErrNotFound)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == 401 || code == 403:
			return errs.New(errs.ClassAuth, op, fmt.Errorf("%w: %w", errs.ErrUnauthorized, err))
		case code == 429:
			return errs.New(errs.ClassRateLimit, op, fmt.Errorf("%w: %w", errs.ErrRateLimited, err))
		case code >= 500:
			return errs.Networkf(op, errs.ErrServer, err)
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return errs.Networkf(op, errs.ErrDNSFailure, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Networkf(op, errs.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errs.Networkf(op, errs.ErrTimeout, err)
		}
		return errs.Networkf(op, errs.ErrNoConnectivity, err)
	}

	return errs.Networkf(op, errs.ErrNoConnectivity, err)
}
