package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/imagekeeper/imagekeeper/defaults"
)

const azureStorageKeyEnv = "AZURE_STORAGE_KEY"

type azblobSource struct{}

// NewAzureBlobSource returns a Source for azblob://account/container/blob
// locations. The account key is read from AZURE_STORAGE_KEY, otherwise the
// default Azure credential chain is used.
func NewAzureBlobSource() Source {
	return azblobSource{}
}

func (azblobSource) Open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	account := u.Host
	containerName, blobName, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !ok || blobName == "" {
		return nil, fmt.Errorf("location %s must be azblob://<account>/<container>/<blob>", u.Redacted())
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	if endpoint := u.Query().Get("endpoint"); endpoint != "" {
		serviceURL = endpoint
	}
	clientOpts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry:     policy.RetryOptions{MaxRetries: 3},
			Telemetry: policy.TelemetryOptions{ApplicationID: defaults.UserAgent},
		},
	}

	var client *azblob.Client
	if key := os.Getenv(azureStorageKeyEnv); key != "" {
		cred, err := azblob.NewSharedKeyCredential(account, key)
		if err != nil {
			return nil, err
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, clientOpts)
		if err != nil {
			return nil, err
		}
	} else {
		creds, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, err
		}
		client, err = azblob.NewClient(serviceURL, creds, clientOpts)
		if err != nil {
			return nil, err
		}
	}

	resp, err := client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
