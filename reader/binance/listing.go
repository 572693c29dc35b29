package binance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	appconfig "tradestream/config"
	"tradestream/logger"
	"tradestream/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArchiveObject is one archive key found in the public bucket.
type ArchiveObject struct {
	Key  string `json:"key"`
	ETag string `json:"etag"`
	Size int64  `json:"size"`
}

// objectLister is the part of the S3 client the listing needs.
type objectLister interface {
	ListObjects(ctx context.Context, params *s3.ListObjectsInput, optFns ...func(*s3.Options)) (*s3.ListObjectsOutput, error)
}

// Lister pages through the data.binance.vision bucket.
type Lister struct {
	client objectLister
	bucket string
	prefix string
	log    *logger.Log
}

// NewLister builds an S3 client for the listing endpoint. The public bucket
// is read anonymously unless keys are configured.
func NewLister(ctx context.Context, cfg appconfig.ListingConfig) (*Lister, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 40 * time.Second
	}

	var creds aws.CredentialsProvider = aws.AnonymousCredentials{}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
		config.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return &Lister{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    logger.GetLogger(),
	}, nil
}

// ListArchives returns every .zip key under {prefix}/{symbol}/, following
// markers until the listing is no longer truncated.
func (l *Lister) ListArchives(ctx context.Context, pair models.TradePair) ([]ArchiveObject, error) {
	prefix := fmt.Sprintf("%s/%s/", l.prefix, pair.Symbol())
	log := l.log.WithComponent("binance_listing").WithFields(logger.Fields{"bucket": l.bucket, "prefix": prefix})

	var (
		objects []ArchiveObject
		marker  string
		pages   int
	)
	for {
		out, err := l.client.ListObjects(ctx, &s3.ListObjectsInput{
			Bucket:    aws.String(l.bucket),
			Prefix:    aws.String(prefix),
			Delimiter: aws.String("/"),
			Marker:    aws.String(marker),
		})
		if err != nil {
			log.WithError(err).WithField("marker", marker).Warn("list objects failed")
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		pages++

		var lastKey string
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			lastKey = key
			if !strings.HasSuffix(key, ".zip") {
				continue
			}
			objects = append(objects, ArchiveObject{
				Key:  key,
				ETag: aws.ToString(obj.ETag),
				Size: aws.ToInt64(obj.Size),
			})
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		next := aws.ToString(out.NextMarker)
		if next == "" {
			next = lastKey
		}
		if next == "" || next == marker {
			log.Warn("truncated listing without a usable marker, stopping")
			break
		}
		marker = next
	}

	log.WithFields(logger.Fields{"pages": pages, "archives": len(objects)}).Debug("listed archives")
	return objects, nil
}
