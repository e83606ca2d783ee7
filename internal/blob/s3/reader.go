package s3blob

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/orderbookd/internal/domain"
)

// Lister implements domain.BlobLister, used to show operators which export
// files exist.
type Lister struct {
	client *s3.Client
	bucket string
}

// NewLister creates a Lister for the client's bucket.
func NewLister(c *Client) *Lister {
	return &Lister{client: c.s3, bucket: c.bucket}
}

// List returns every object under prefix, following continuation tokens.
func (l *Lister) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	pages := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(l.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := domain.BlobInfo{Path: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

var _ domain.BlobLister = (*Lister)(nil)
