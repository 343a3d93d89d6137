package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures an S3Store. Setting AccountID without Endpoint targets
// Cloudflare R2.
type S3Config struct {
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	AccountID    string
	PathStyle    bool
}

// S3Store stores objects in an S3-compatible bucket. Range and precondition
// headers are forwarded so the remote service evaluates them.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds a client from cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3store: bucket is required")
	}
	if cfg.Endpoint == "" && cfg.AccountID != "" {
		cfg.Endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
		if cfg.Region == "" {
			cfg.Region = "auto"
		}
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3store: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (Meta, bool, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return Meta{}, false, nil
		}
		return Meta{}, false, fmt.Errorf("s3store: head %s: %w", key, err)
	}
	return Meta{
		Key:      key,
		Size:     aws.ToInt64(resp.ContentLength),
		ETag:     trimETag(aws.ToString(resp.ETag)),
		Uploaded: aws.ToTime(resp.LastModified),
		HTTP: HTTPMetadata{
			ContentType:        aws.ToString(resp.ContentType),
			ContentLanguage:    aws.ToString(resp.ContentLanguage),
			ContentDisposition: aws.ToString(resp.ContentDisposition),
			ContentEncoding:    aws.ToString(resp.ContentEncoding),
			CacheControl:       aws.ToString(resp.CacheControl),
			CacheExpiry:        parseExpires(resp.ExpiresString),
		},
	}, true, nil
}

func (s *S3Store) Get(ctx context.Context, key string, opts GetOptions) (GetResult, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if opts.Range != nil {
		input.Range = aws.String(opts.Range.String())
	}
	if c := opts.Conditional; c != nil {
		if len(c.IfMatch) > 0 {
			input.IfMatch = aws.String(joinETags(c.IfMatch))
		}
		if len(c.IfNoneMatch) > 0 {
			input.IfNoneMatch = aws.String(joinETags(c.IfNoneMatch))
		}
		if !c.IfModifiedSince.IsZero() {
			input.IfModifiedSince = aws.Time(c.IfModifiedSince)
		}
		if !c.IfUnmodifiedSince.IsZero() {
			input.IfUnmodifiedSince = aws.Time(c.IfUnmodifiedSince)
		}
	}
	resp, err := s.client.GetObject(ctx, input)
	if err != nil {
		switch status := httpStatus(err); {
		case isNotFound(err):
			return Absent(), nil
		case status == http.StatusNotModified, status == http.StatusPreconditionFailed:
			return s.noBody(ctx, key)
		case status == http.StatusRequestedRangeNotSatisfiable:
			meta, ok, herr := s.Head(ctx, key)
			if herr != nil {
				return GetResult{}, herr
			}
			if !ok {
				return Absent(), nil
			}
			return GetResult{}, &RangeError{Size: meta.Size}
		}
		return GetResult{}, fmt.Errorf("s3store: get %s: %w", key, err)
	}

	total := aws.ToInt64(resp.ContentLength)
	var eff *Range
	if cr := aws.ToString(resp.ContentRange); cr != "" {
		if n, ok := contentRangeTotal(cr); ok {
			total = n
		}
		if opts.Range != nil {
			clamped, err := opts.Range.Clamp(total)
			if err != nil {
				resp.Body.Close()
				return GetResult{}, err
			}
			eff = &clamped
		}
	}
	meta := Meta{
		Key:      key,
		Size:     total,
		ETag:     trimETag(aws.ToString(resp.ETag)),
		Uploaded: aws.ToTime(resp.LastModified),
		HTTP: HTTPMetadata{
			ContentType:        aws.ToString(resp.ContentType),
			ContentLanguage:    aws.ToString(resp.ContentLanguage),
			ContentDisposition: aws.ToString(resp.ContentDisposition),
			ContentEncoding:    aws.ToString(resp.ContentEncoding),
			CacheControl:       aws.ToString(resp.CacheControl),
			CacheExpiry:        parseExpires(resp.ExpiresString),
		},
	}
	return WithBody(meta, eff, resp.Body), nil
}

func (s *S3Store) noBody(ctx context.Context, key string) (GetResult, error) {
	meta, ok, err := s.Head(ctx, key)
	if err != nil {
		return GetResult{}, err
	}
	if !ok {
		return Absent(), nil
	}
	return NoBody(meta), nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Meta, error) {
	size := opts.Size
	if size < 0 {
		spooled, n, cleanup, err := spool(r)
		if err != nil {
			return Meta{}, fmt.Errorf("s3store: spool %s: %w", key, err)
		}
		defer cleanup()
		r, size = spooled, n
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
	}
	md := opts.HTTP
	if md.ContentType != "" {
		input.ContentType = aws.String(md.ContentType)
	}
	if md.ContentLanguage != "" {
		input.ContentLanguage = aws.String(md.ContentLanguage)
	}
	if md.ContentDisposition != "" {
		input.ContentDisposition = aws.String(md.ContentDisposition)
	}
	if md.ContentEncoding != "" {
		input.ContentEncoding = aws.String(md.ContentEncoding)
	}
	if md.CacheControl != "" {
		input.CacheControl = aws.String(md.CacheControl)
	}
	if !md.CacheExpiry.IsZero() {
		input.Expires = aws.Time(md.CacheExpiry)
	}
	if opts.OnlyIfAbsent {
		input.IfNoneMatch = aws.String("*")
	}
	_, err := s.client.PutObject(ctx, input, s3.WithAPIOptions(v4.SwapComputePayloadSHA256ForUnsignedPayloadMiddleware))
	if err != nil {
		if opts.OnlyIfAbsent {
			switch httpStatus(err) {
			case http.StatusPreconditionFailed, http.StatusConflict:
				return Meta{}, ErrAlreadyExists
			}
		}
		return Meta{}, fmt.Errorf("s3store: put %s: %w", key, err)
	}
	meta, ok, err := s.Head(ctx, key)
	if err != nil {
		return Meta{}, err
	}
	if !ok {
		return Meta{}, fmt.Errorf("s3store: put %s: object vanished after write: %w", key, ErrNotFound)
	}
	return meta, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3store: delete %s: %w", key, err)
	}
	return nil
}

func httpStatus(err error) int {
	var withStatus interface{ HTTPStatusCode() int }
	if errors.As(err, &withStatus) {
		return withStatus.HTTPStatusCode()
	}
	return 0
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch strings.ToLower(apiErr.ErrorCode()) {
		case "nosuchkey", "notfound", "404":
			return true
		}
	}
	return httpStatus(err) == http.StatusNotFound
}

// contentRangeTotal extracts N from "bytes a-b/N".
func contentRangeTotal(cr string) (int64, bool) {
	_, total, ok := strings.Cut(cr, "/")
	if !ok || total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func joinETags(tags []string) string {
	quoted := make([]string, len(tags))
	for i, t := range tags {
		if t == "*" {
			quoted[i] = t
			continue
		}
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, ", ")
}

func parseExpires(v *string) time.Time {
	if v == nil || *v == "" {
		return time.Time{}
	}
	t, err := http.ParseTime(*v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// spool buffers r to a temporary file so its length is known up front.
func spool(r io.Reader) (io.ReadSeeker, int64, func(), error) {
	f, err := os.CreateTemp("", "assetgw-spool-*")
	if err != nil {
		return nil, 0, nil, err
	}
	cleanup := func() {
		f.Close()
		os.Remove(f.Name())
	}
	n, err := io.Copy(f, r)
	if err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, 0, nil, err
	}
	return f, n, cleanup, nil
}
