// Package wire holds the contract between the transfer engine and a storage service binding.
package wire

import "context"

// API is a raw, non-reauthorizing binding of the storage service.
//
// Account level calls take the Auth of the session; upload calls take a borrowed UploadURL.
// Every call returns a *Error (or an error wrapping one) on failure, classified for retries.
type API interface {
	AuthorizeAccount(ctx context.Context, realmURL, keyID, applicationKey string) (Auth, error)

	GetUploadURL(ctx context.Context, auth Auth, bucketID string) (UploadURL, error)
	GetUploadPartURL(ctx context.Context, auth Auth, fileID string) (UploadURL, error)
	UploadFile(ctx context.Context, upload UploadURL, req UploadFileRequest) (FileVersion, error)
	UploadPart(ctx context.Context, upload UploadURL, req UploadPartRequest) (Part, error)

	StartLargeFile(ctx context.Context, auth Auth, req StartLargeFileRequest) (UnfinishedFile, error)
	FinishLargeFile(ctx context.Context, auth Auth, fileID string, partSHA1s []string) (FileVersion, error)
	CancelLargeFile(ctx context.Context, auth Auth, fileID string) error
	ListParts(ctx context.Context, auth Auth, fileID string, startPartNumber, maxCount int) (PartsPage, error)
	ListUnfinishedLargeFiles(ctx context.Context, auth Auth, bucketID, namePrefix, startFileID string, maxCount int) (UnfinishedFilesPage, error)

	CopyFile(ctx context.Context, auth Auth, req CopyFileRequest) (FileVersion, error)
	CopyPart(ctx context.Context, auth Auth, req CopyPartRequest) (Part, error)

	DownloadFileFromURL(ctx context.Context, auth Auth, req DownloadRequest) (*DownloadResponse, error)
	DownloadURLByID(auth Auth, fileID string) string
	DownloadURLByName(auth Auth, bucketName, fileName string) string
}
