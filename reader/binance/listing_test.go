package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	appconfig "tradestream/config"
	"tradestream/logger"
	"tradestream/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	pages   []*s3.ListObjectsOutput
	markers []string
	err     error
}

func (f *fakeLister) ListObjects(_ context.Context, in *s3.ListObjectsInput, _ ...func(*s3.Options)) (*s3.ListObjectsOutput, error) {
	f.markers = append(f.markers, aws.ToString(in.Marker))
	if f.err != nil {
		return nil, f.err
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func object(key string) s3types.Object {
	return s3types.Object{Key: aws.String(key), ETag: aws.String(`"etag"`), Size: aws.Int64(10)}
}

func TestListArchivesFollowsMarkers(t *testing.T) {
	fake := &fakeLister{pages: []*s3.ListObjectsOutput{
		{
			IsTruncated: aws.Bool(true),
			NextMarker:  aws.String("m1"),
			Contents:    []s3types.Object{object("p/BTCUSDT/a.zip"), object("p/BTCUSDT/a.zip.CHECKSUM")},
		},
		{
			IsTruncated: aws.Bool(true),
			Contents:    []s3types.Object{object("p/BTCUSDT/b.zip")},
		},
		{
			IsTruncated: aws.Bool(false),
			Contents:    []s3types.Object{object("p/BTCUSDT/c.zip")},
		},
	}}
	l := &Lister{client: fake, bucket: "bucket", prefix: "p", log: logger.GetLogger()}

	objects, err := l.ListArchives(context.Background(), models.TradePair{First: "BTC", Second: "USDT"})
	require.NoError(t, err)

	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []string{"p/BTCUSDT/a.zip", "p/BTCUSDT/b.zip", "p/BTCUSDT/c.zip"}, keys)
	// the second page had no NextMarker so the last key is used
	assert.Equal(t, []string{"", "m1", "p/BTCUSDT/b.zip"}, fake.markers)
	assert.Equal(t, int64(10), objects[0].Size)
}

func TestListArchivesError(t *testing.T) {
	fake := &fakeLister{err: errors.New("boom")}
	l := &Lister{client: fake, bucket: "bucket", prefix: "p", log: logger.GetLogger()}

	_, err := l.ListArchives(context.Background(), models.TradePair{First: "BTC", Second: "USDT"})
	assert.ErrorContains(t, err, "boom")
}

const bucketXML = `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>data.binance.vision</Name>
  <Prefix>data/futures/um/daily/trades/BTCUSDT/</Prefix>
  <Marker></Marker>
  <MaxKeys>1000</MaxKeys>
  <Delimiter>/</Delimiter>
  <IsTruncated>false</IsTruncated>
  <Contents>
    <Key>data/futures/um/daily/trades/BTCUSDT/BTCUSDT-trades-2019-12-31.zip</Key>
    <LastModified>2022-03-03T23:05:43.000Z</LastModified>
    <ETag>"9d88be0772290b887ac4c0df40b46266"</ETag>
    <Size>1518388</Size>
    <StorageClass>STANDARD</StorageClass>
  </Contents>
  <Contents>
    <Key>data/futures/um/daily/trades/BTCUSDT/BTCUSDT-trades-2019-12-31.zip.CHECKSUM</Key>
    <LastModified>2022-03-03T23:05:43.000Z</LastModified>
    <ETag>"10f4fa87a597bd1dc63d9ced8dbf8b66"</ETag>
    <Size>105</Size>
    <StorageClass>STANDARD</StorageClass>
  </Contents>
</ListBucketResult>`

func TestListerAgainstS3Endpoint(t *testing.T) {
	var path, prefix string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		prefix = r.URL.Query().Get("prefix")
		w.Header().Set("Content-Type", "application/xml")
		w.Write([]byte(bucketXML))
	}))
	defer srv.Close()

	l, err := NewLister(context.Background(), appconfig.ListingConfig{
		Endpoint: srv.URL,
		Region:   "ap-northeast-1",
		Bucket:   "data.binance.vision",
		Prefix:   "data/futures/um/daily/trades",
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)

	objects, err := l.ListArchives(context.Background(), models.TradePair{First: "BTC", Second: "USDT"})
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.True(t, strings.HasSuffix(objects[0].Key, "2019-12-31.zip"))
	assert.Equal(t, int64(1518388), objects[0].Size)
	assert.True(t, strings.HasPrefix(path, "/data.binance.vision"))
	assert.Equal(t, "data/futures/um/daily/trades/BTCUSDT/", prefix)
}
