package source

import (
	"context"
	"fmt"
	"io"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

type azureStore struct {
	client *azblob.Client
}

// NewAzureStore connects to a storage account with a shared key. An empty
// endpoint means the public cloud endpoint for account.
func NewAzureStore(account, key, endpoint string) (BlobStore, error) {
	if account == "" || key == "" {
		return nil, fmt.Errorf("azure account name and key are required")
	}
	credential, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", account)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &azureStore{client: client}, nil
}

func (s *azureStore) Open(ctx context.Context, container, blob string) (io.ReadCloser, int64, error) {
	resp, err := s.client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("download failed: %w", err)
	}
	size := int64(-1)
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}
