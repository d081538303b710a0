// Copyright 2024 The immukv authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"k8s.io/klog/v2"
)

// Credentials is the two-case variant the S3 store accepts: either static
// long-lived keys, or a provider function invoked on demand (e.g. to back
// an async credential refresh pipeline). Exactly one of the two should be
// set.
type Credentials struct {
	Static   *StaticCredentials
	Provider func(ctx context.Context) (StaticCredentials, error)
}

// StaticCredentials is a resolved access key / secret key pair.
type StaticCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Overrides customizes the S3 client construction, primarily for pointing at
// non-AWS S3-compatible services in tests and self-hosted deployments.
type Overrides struct {
	EndpointURL     string
	Credentials     *Credentials
	ForcePathStyle  bool
	// SDKConfig, when set, is used verbatim instead of the default chain;
	// EndpointURL and Credentials are then ignored, while ForcePathStyle
	// still applies. Intended for callers that already have a
	// fully-configured aws.Config (e.g. shared across many clients).
	SDKConfig *aws.Config
}

// S3Config configures an S3-backed Store.
type S3Config struct {
	Bucket    string
	Region    string
	Overrides *Overrides
}

// S3Store is an S3-backed implementation of Store.
type S3Store struct {
	bucket string
	client *s3.Client
}

// NewS3Store creates an S3-backed Store for the given configuration.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	sdkCfg, optsFn, err := resolveSDKConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve AWS config: %w", err)
	}
	return &S3Store{
		bucket: cfg.Bucket,
		client: s3.NewFromConfig(sdkCfg, optsFn),
	}, nil
}

func resolveSDKConfig(ctx context.Context, cfg S3Config) (aws.Config, func(*s3.Options), error) {
	if cfg.Overrides != nil && cfg.Overrides.SDKConfig != nil {
		return *cfg.Overrides.SDKConfig, func(o *s3.Options) {
			if cfg.Overrides.ForcePathStyle {
				o.UsePathStyle = true
			}
		}, nil
	}

	loadOpts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Overrides != nil && cfg.Overrides.Credentials != nil {
		creds := cfg.Overrides.Credentials
		switch {
		case creds.Static != nil:
			loadOpts = append(loadOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(
					creds.Static.AccessKeyID, creds.Static.SecretAccessKey, creds.Static.SessionToken)))
		case creds.Provider != nil:
			loadOpts = append(loadOpts, config.WithCredentialsProvider(
				aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
					c, err := creds.Provider(ctx)
					if err != nil {
						return aws.Credentials{}, err
					}
					return aws.Credentials{
						AccessKeyID:     c.AccessKeyID,
						SecretAccessKey: c.SecretAccessKey,
						SessionToken:    c.SessionToken,
					}, nil
				})))
		}
	}

	sdkCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, nil, fmt.Errorf("failed to load default AWS configuration: %w", err)
	}

	optsFn := func(o *s3.Options) {}
	if cfg.Overrides != nil {
		if cfg.Overrides.EndpointURL != "" {
			o := cfg.Overrides.EndpointURL
			optsFn = func(opt *s3.Options) {
				opt.BaseEndpoint = aws.String(o)
				if cfg.Overrides.ForcePathStyle {
					opt.UsePathStyle = true
				}
			}
		} else if cfg.Overrides.ForcePathStyle {
			optsFn = func(opt *s3.Options) { opt.UsePathStyle = true }
		}
	}

	return sdkCfg, optsFn, nil
}

func (s *S3Store) Get(ctx context.Context, key string, version VersionID) (Object, error) {
	rc, etag, vid, err := s.GetStream(ctx, key, version)
	if err != nil {
		return Object{}, err
	}
	body, err := io.ReadAll(rc)
	closeErr := rc.Close()
	if err != nil {
		return Object{}, fmt.Errorf("read %q: %w", key, err)
	}
	if closeErr != nil {
		return Object{}, closeErr
	}
	return Object{Body: body, ETag: etag, VersionID: vid}, nil
}

func (s *S3Store) GetStream(ctx context.Context, key string, version VersionID) (io.ReadCloser, ETag, VersionID, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if version != "" {
		in.VersionId = aws.String(string(version))
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		return nil, "", "", translateGetErr(key, err)
	}
	var etag ETag
	if out.ETag != nil {
		etag = ETag(*out.ETag)
	}
	var vid VersionID
	if out.VersionId != nil {
		vid = VersionID(*out.VersionId)
	}
	return out.Body, etag, vid, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, opts PutOptions) (PutResult, error) {
	return s.PutStream(ctx, key, bytes.NewReader(body), int64(len(body)), opts)
}

func (s *S3Store) PutStream(ctx context.Context, key string, body io.Reader, length int64, opts PutOptions) (PutResult, error) {
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if opts.IfMatch != "" {
		in.IfMatch = aws.String(string(opts.IfMatch))
	}
	if opts.IfNoneMatch {
		in.IfNoneMatch = aws.String("*")
	}
	if opts.SSEKMSKeyID != "" {
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		in.SSEKMSKeyId = aws.String(opts.SSEKMSKeyID)
	}
	if len(opts.UserMetadata) > 0 {
		in.Metadata = opts.UserMetadata
	}

	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		if isPreconditionFailed(err) {
			return PutResult{}, ErrPreconditionFailed
		}
		if isAccessDenied(err) {
			return PutResult{}, ErrAccessDenied
		}
		return PutResult{}, fmt.Errorf("put %q: %w", key, err)
	}
	if out.VersionId == nil {
		return PutResult{}, ErrNoVersionID
	}
	res := PutResult{VersionID: VersionID(*out.VersionId)}
	if out.ETag != nil {
		res.ETag = ETag(*out.ETag)
	}
	return res, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (ETag, VersionID, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", "", translateGetErr(key, err)
	}
	var etag ETag
	if out.ETag != nil {
		etag = ETag(*out.ETag)
	}
	var vid VersionID
	if out.VersionId != nil {
		vid = VersionID(*out.VersionId)
	}
	return etag, vid, nil
}

func (s *S3Store) ListVersions(ctx context.Context, prefix string, opts ListVersionsOptions) (ListVersionsPage, error) {
	in := &s3.ListObjectVersionsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if opts.KeyMarker != "" {
		in.KeyMarker = aws.String(opts.KeyMarker)
	}
	if opts.VersionIDMarker != "" {
		in.VersionIdMarker = aws.String(string(opts.VersionIDMarker))
	}
	if opts.MaxKeys > 0 {
		in.MaxKeys = aws.Int32(int32(opts.MaxKeys))
	}

	out, err := s.client.ListObjectVersions(ctx, in)
	if err != nil {
		return ListVersionsPage{}, fmt.Errorf("list versions %q: %w", prefix, err)
	}

	page := ListVersionsPage{Truncated: aws.ToBool(out.IsTruncated)}
	for _, v := range out.Versions {
		page.Versions = append(page.Versions, VersionInfo{
			Key:       aws.ToString(v.Key),
			VersionID: VersionID(aws.ToString(v.VersionId)),
			IsLatest:  aws.ToBool(v.IsLatest),
		})
	}
	if out.NextKeyMarker != nil {
		page.NextKeyMarker = *out.NextKeyMarker
	}
	if out.NextVersionIdMarker != nil {
		page.NextVersionIDMarker = VersionID(*out.NextVersionIdMarker)
	}
	return page, nil
}

func (s *S3Store) ListPrefix(ctx context.Context, prefix string, opts ListPrefixOptions) (ListPrefixPage, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if opts.StartAfter != "" {
		in.StartAfter = aws.String(opts.StartAfter)
	}
	if opts.ContinuationToken != "" {
		in.ContinuationToken = aws.String(opts.ContinuationToken)
	}
	if opts.MaxKeys > 0 {
		in.MaxKeys = aws.Int32(int32(opts.MaxKeys))
	}

	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return ListPrefixPage{}, fmt.Errorf("list prefix %q: %w", prefix, err)
	}

	page := ListPrefixPage{Truncated: aws.ToBool(out.IsTruncated)}
	for _, o := range out.Contents {
		page.Keys = append(page.Keys, aws.ToString(o.Key))
	}
	if out.NextContinuationToken != nil {
		page.NextContinuationToken = *out.NextContinuationToken
	}
	return page, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) (VersionID, error) {
	out, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("delete %q: %w", key, err)
	}
	if out.VersionId == nil {
		return "", ErrNoVersionID
	}
	return VersionID(*out.VersionId), nil
}

func (s *S3Store) VersioningEnabled(ctx context.Context) (bool, error) {
	out, err := s.client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return false, fmt.Errorf("get bucket versioning %q: %w", s.bucket, err)
	}
	return out.Status == types.BucketVersioningStatusEnabled, nil
}

func (s *S3Store) HeadBucket(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return fmt.Errorf("head bucket %q: %w", s.bucket, err)
	}
	return nil
}

func translateGetErr(key string, err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return ErrNotFound
	}
	var nsv *types.NoSuchVersion
	if errors.As(err, &nsv) {
		return ErrNotFound
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return ErrNotFound
	}
	if isAccessDenied(err) {
		return ErrAccessDenied
	}
	klog.V(2).Infof("get %q: unclassified backend error: %v", key, err)
	return fmt.Errorf("get %q: %w", key, err)
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "PreconditionFailed"
	}
	return false
}

func isAccessDenied(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "AccessDenied" || code == "Forbidden"
	}
	return false
}
