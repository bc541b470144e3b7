// Package freewheel ships audience segments to Freewheel (Beeswax): device
// IDs are staged as a delimited segment file, copied into the Beeswax S3
// drop, and registered through the Buzz API.
package freewheel

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"gocloud.dev/blob"
	"gocloud.dev/blob/s3blob"
)

// roleARNFormat is the Beeswax customer drop role, parameterized by the Buzz
// account ID.
const roleARNFormat = "arn:aws:iam::164891057361:role/customer-s3-dsp-user-list-%d"

// continentRegions maps the Buzz continent to the Beeswax ingest region.
var continentRegions = map[string]string{
	"NAM":  "us-east-1",
	"EMEA": "eu-west-1",
	"APAC": "ap-northeast-1",
}

// S3Target identifies the Beeswax drop bucket and the role that may write it.
type S3Target struct {
	Region  string
	Bucket  string
	RoleARN string
}

// TargetFor derives the drop target from the continent and Buzz account.
func TargetFor(continent string, accountID int64) (S3Target, error) {
	region, ok := continentRegions[continent]
	if !ok {
		return S3Target{}, fmt.Errorf("unknown continent %q", continent)
	}
	return S3Target{
		Region:  region,
		Bucket:  "beeswax-data-" + region,
		RoleARN: fmt.Sprintf(roleARNFormat, accountID),
	}, nil
}

// Ship copies r into the drop bucket at key with bucket-owner-full-control,
// assuming the customer role, and returns the s3:// URL Buzz expects.
func (t S3Target) Ship(ctx context.Context, r io.Reader, key string) (string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(t.Region))
	if err != nil {
		return "", fmt.Errorf("load aws config: %w", err)
	}

	provider := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(cfg), t.RoleARN)
	cfg.Credentials = aws.NewCredentialsCache(provider)

	bucket, err := s3blob.OpenBucketV2(ctx, s3.NewFromConfig(cfg), t.Bucket, nil)
	if err != nil {
		return "", fmt.Errorf("open bucket %s: %w", t.Bucket, err)
	}
	defer bucket.Close()

	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{
		BeforeWrite: func(asFunc func(any) bool) error {
			var put *s3.PutObjectInput
			if asFunc(&put) {
				put.ACL = s3types.ObjectCannedACLBucketOwnerFullControl
			}
			var multi *s3.CreateMultipartUploadInput
			if asFunc(&multi) {
				multi.ACL = s3types.ObjectCannedACLBucketOwnerFullControl
			}
			return nil
		},
	})
	if err != nil {
		return "", fmt.Errorf("create s3 writer for %s: %w", key, err)
	}

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return "", fmt.Errorf("copy segment to s3://%s/%s: %w", t.Bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("commit s3://%s/%s: %w", t.Bucket, key, err)
	}

	return fmt.Sprintf("s3://%s/%s", t.Bucket, key), nil
}
