// Package storage uploads exported images to S3.
package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/oklog/ulid/v2"

	"github.com/AlexanderCGO2/flux-create-sub000/internal/reliability"
)

var ErrNoBucket = errors.New("EXPORT_S3_BUCKET is not set")

// Uploader stores one object and returns its location.
type Uploader interface {
	Upload(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// S3Uploader writes objects under a date prefix in one bucket.
type S3Uploader struct {
	bucket   string
	prefix   string
	uploader s3manageriface.UploaderAPI
	now      func() time.Time
}

// NewS3Uploader builds an uploader from the default AWS credential chain.
func NewS3Uploader(bucket, region string) (*S3Uploader, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, ErrNoBucket
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return NewS3UploaderWithAPI(bucket, s3manager.NewUploader(sess)), nil
}

func NewS3UploaderWithAPI(bucket string, api s3manageriface.UploaderAPI) *S3Uploader {
	return &S3Uploader{bucket: bucket, prefix: "exports", uploader: api, now: time.Now}
}

func (u *S3Uploader) Upload(ctx context.Context, name, contentType string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", reliability.New(reliability.KindValidation, "storage.upload", errors.New("empty object"))
	}
	key := u.key(name)
	out, err := u.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", reliability.New(reliability.KindNetwork, "storage.upload", err)
	}
	return out.Location, nil
}

func (u *S3Uploader) key(name string) string {
	now := u.now().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
	base := path.Base(strings.TrimSpace(name))
	if base == "." || base == "/" || base == "" {
		base = "image"
	}
	return path.Join(u.prefix, now.Format("2006/01/02"), id+"-"+base)
}
