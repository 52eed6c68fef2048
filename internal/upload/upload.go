// Package upload copies fetched artifacts to an Azure Blob Storage container.
package upload

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// Target names the container that receives the files.
type Target struct {
	Account   string
	Container string
	AccessKey string
	// Prefix is prepended to blob names, e.g. "matomo/2023".
	Prefix string
}

// Validate reports a missing field.
func (t Target) Validate() error {
	switch {
	case t.Account == "":
		return fmt.Errorf("storage account name is required")
	case t.Container == "":
		return fmt.Errorf("blob container name is required")
	case t.AccessKey == "":
		return fmt.Errorf("storage access key is required")
	}
	return nil
}

// ServiceURL is the blob endpoint for account.
func ServiceURL(account string) string {
	return fmt.Sprintf("https://%s.blob.core.windows.net/", account)
}

// BlobName maps a path relative to the upload root onto a blob name under prefix.
func BlobName(prefix, rel string) string {
	name := filepath.ToSlash(rel)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// Blobs is the part of *azblob.Client the uploader uses.
type Blobs interface {
	UploadFile(ctx context.Context, containerName string, blobName string, file *os.File, o *azblob.UploadFileOptions) (azblob.UploadFileResponse, error)
}

// Uploader sends local files to one container.
type Uploader struct {
	blobs     Blobs
	container string
	prefix    string
	logger    *slog.Logger
}

// New builds an Uploader with shared-key credentials for t.
func New(t Target, logger *slog.Logger) (*Uploader, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	cred, err := azblob.NewSharedKeyCredential(t.Account, t.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("invalid storage credentials: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(ServiceURL(t.Account), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create blob client: %w", err)
	}
	return NewWithClient(client, t.Container, t.Prefix, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(b Blobs, container, prefix string, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{blobs: b, container: container, prefix: prefix, logger: logger}
}

// UploadFile uploads one file under its base name and returns the blob name.
func (u *Uploader) UploadFile(ctx context.Context, localPath string) (string, error) {
	return u.upload(ctx, localPath, BlobName(u.prefix, filepath.Base(localPath)))
}

func (u *Uploader) upload(ctx context.Context, localPath, blobName string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	u.logger.Debug("Uploading file", "local_path", localPath, "blob_name", blobName)
	if _, err := u.blobs.UploadFile(ctx, u.container, blobName, f, &azblob.UploadFileOptions{}); err != nil {
		return "", fmt.Errorf("upload %s to %s: %w", localPath, blobName, err)
	}
	u.logger.Info("Uploaded file", "local_path", localPath, "container", u.container, "blob_name", blobName)
	return blobName, nil
}

// UploadPath uploads a file, or every regular file under a directory keeping
// the relative layout. It stops at the first failed upload and returns the
// number of files sent.
func (u *Uploader) UploadPath(ctx context.Context, root string) (int, error) {
	st, err := os.Stat(root)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", root, err)
	}
	if !st.IsDir() {
		if _, err := u.UploadFile(ctx, root); err != nil {
			return 0, err
		}
		return 1, nil
	}

	n := 0
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if _, err := u.upload(ctx, p, BlobName(u.prefix, rel)); err != nil {
			return err
		}
		n++
		return nil
	})
	return n, err
}
