// Package metadata defines the interface and implementations for BleepStore's
// metadata storage layer, which tracks buckets, objects, and multipart uploads.
package metadata

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// BucketRecord is the metadata row for a single bucket.
type BucketRecord struct {
	Name         string
	Region       string
	OwnerID      string
	OwnerDisplay string
	ACL          json.RawMessage // JSON-serialized ACL
	CreatedAt    time.Time
}

// ObjectRecord is the metadata row for a single stored object. The blob
// itself lives in a StorageBackend; this is everything else a GET/HEAD
// response needs.
type ObjectRecord struct {
	Bucket             string
	Key                string
	Size               int64
	ETag               string
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	StorageClass       string
	ACL                json.RawMessage // JSON-serialized ACL
	UserMetadata       map[string]string
	LastModified       time.Time
	DeleteMarker       bool
}

// MultipartUploadRecord tracks an in-progress multipart upload until it is
// completed or aborted.
type MultipartUploadRecord struct {
	UploadID           string
	Bucket             string
	Key                string
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
	StorageClass       string
	ACL                json.RawMessage
	UserMetadata       map[string]string
	OwnerID            string
	OwnerDisplay       string
	InitiatedAt        time.Time
}

// PartRecord is one uploaded part of a multipart upload.
type PartRecord struct {
	UploadID     string
	PartNumber   int
	Size         int64
	ETag         string
	LastModified time.Time
}

// CredentialRecord is a single access-key/secret-key pair and its owner.
type CredentialRecord struct {
	AccessKeyID string
	SecretKey   string
	OwnerID     string
	DisplayName string
	Active      bool
	CreatedAt   time.Time
}

// ListObjectsOptions carries the filtering/pagination parameters of a
// ListObjects (v1 or v2) request, already normalized by the handler layer.
type ListObjectsOptions struct {
	Prefix            string
	Delimiter         string
	Marker            string
	StartAfter        string
	ContinuationToken string
	MaxKeys           int
}

// ListObjectsResult is one page of a ListObjects response.
type ListObjectsResult struct {
	Objects               []ObjectRecord
	CommonPrefixes        []string
	IsTruncated           bool
	NextMarker            string
	NextContinuationToken string
}

// ListUploadsOptions carries the filtering/pagination parameters of a
// ListMultipartUploads request.
type ListUploadsOptions struct {
	KeyMarker      string
	UploadIDMarker string
	Prefix         string
	Delimiter      string
	MaxUploads     int
}

// ListUploadsResult is one page of a ListMultipartUploads response.
type ListUploadsResult struct {
	Uploads            []MultipartUploadRecord
	CommonPrefixes     []string
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

// ListPartsOptions carries the filtering/pagination parameters of a
// ListParts request.
type ListPartsOptions struct {
	PartNumberMarker int
	MaxParts         int
}

// ListPartsResult is one page of a ListParts response.
type ListPartsResult struct {
	Parts                []PartRecord
	IsTruncated          bool
	NextPartNumberMarker int
}

// bucketStore covers bucket creation, lookup, deletion, listing and ACL
// maintenance. Split out from MetadataStore so each backend file can be
// read as "how this engine handles buckets" independently of objects.
type bucketStore interface {
	CreateBucket(ctx context.Context, bucket *BucketRecord) error
	GetBucket(ctx context.Context, name string) (*BucketRecord, error)
	DeleteBucket(ctx context.Context, name string) error
	ListBuckets(ctx context.Context, owner string) ([]BucketRecord, error)
	BucketExists(ctx context.Context, name string) (bool, error)
	UpdateBucketAcl(ctx context.Context, name string, acl json.RawMessage) error
}

// objectStore covers single-object metadata: put/get/delete, existence
// checks, batch delete, ACL updates, and prefix/delimiter listing.
type objectStore interface {
	PutObject(ctx context.Context, obj *ObjectRecord) error
	GetObject(ctx context.Context, bucket, key string) (*ObjectRecord, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// DeleteObjectsMeta removes metadata for multiple objects in one call,
	// returning the keys that were actually deleted plus any per-key errors.
	DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) (deleted []string, errs []error)

	UpdateObjectAcl(ctx context.Context, bucket, key string, acl json.RawMessage) error
	ListObjects(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error)
}

// multipartStore covers the lifecycle of a multipart upload: create, track
// parts, complete (atomically materializing the final ObjectRecord), abort,
// and the two list operations a client polls with.
type multipartStore interface {
	// CreateMultipartUpload registers a new upload and returns its ID.
	CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) (string, error)

	GetMultipartUpload(ctx context.Context, bucket, key, uploadID string) (*MultipartUploadRecord, error)
	PutPart(ctx context.Context, part *PartRecord) error
	ListParts(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error)

	// GetPartsForCompletion fetches the stored part records for the part
	// numbers named in a CompleteMultipartUpload request body; numbers with
	// no stored part are left out. The handler matches them by part number
	// and validates them before committing; it checks the request's part
	// order itself before this call.
	GetPartsForCompletion(ctx context.Context, uploadID string, partNumbers []int) ([]PartRecord, error)

	// CompleteMultipartUpload materializes obj as the final object record
	// and drops the upload's part bookkeeping, in one metadata transaction.
	CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, obj *ObjectRecord) error

	AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error
	ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error)
}

// credentialStore covers SigV4 access-key/secret-key lookup and provisioning.
type credentialStore interface {
	GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error)
	PutCredential(ctx context.Context, cred *CredentialRecord) error
}

// MetadataStore is the full metadata contract every storage engine
// (in-memory, local file, SQLite, DynamoDB, Firestore, Cosmos) implements.
// Implementations must be safe for concurrent use; BleepStore never
// serializes access to a MetadataStore itself.
type MetadataStore interface {
	io.Closer

	// Ping checks connectivity to the underlying engine.
	Ping(ctx context.Context) error

	bucketStore
	objectStore
	multipartStore
	credentialStore
}

// ExpiredUpload identifies a multipart upload that has outlived its TTL, so
// the caller can remove the part blobs a reaper sweep found orphaned.
type ExpiredUpload struct {
	UploadID   string
	BucketName string
	ObjectKey  string
}

// UploadReaper is implemented by metadata engines that can sweep their own
// expired multipart uploads (the memory, local, DynamoDB, Firestore and
// Cosmos stores); the SQLite store does not satisfy it.
type UploadReaper interface {
	ReapExpiredUploads(ttlSeconds int) ([]ExpiredUpload, error)
}
