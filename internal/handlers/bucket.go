// Package handlers implements HTTP request handlers for S3-compatible API operations.
package handlers

import (
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	s3err "github.com/bleepstoreio/bleepstore/internal/errors"
	"github.com/bleepstoreio/bleepstore/internal/metadata"
	"github.com/bleepstoreio/bleepstore/internal/storage"
	"github.com/bleepstoreio/bleepstore/internal/xmlutil"
)

// BucketHandler implements S3 bucket-level operations: listing, lifecycle,
// location/existence queries, and bucket ACLs.
type BucketHandler struct {
	meta         metadata.MetadataStore
	store        storage.StorageBackend
	ownerID      string
	ownerDisplay string
	region       string
}

// NewBucketHandler wires a BucketHandler to its metadata store, storage
// backend, the server's fixed owner identity, and its default region.
func NewBucketHandler(meta metadata.MetadataStore, store storage.StorageBackend, ownerID, ownerDisplay, region string) *BucketHandler {
	return &BucketHandler{
		meta:         meta,
		store:        store,
		ownerID:      ownerID,
		ownerDisplay: ownerDisplay,
		region:       region,
	}
}

// fetchBucket looks up a bucket and writes InternalError/NoSuchBucket as
// needed. The bool result reports whether the caller should continue.
func (h *BucketHandler) fetchBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, op, name string) (*metadata.BucketRecord, bool) {
	bucket, err := h.meta.GetBucket(ctx, name)
	if err != nil {
		slog.Error(op+" GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return nil, false
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return nil, false
	}
	return bucket, true
}

// ListBuckets handles GET /, returning every bucket owned by the server's
// single configured identity.
func (h *BucketHandler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	buckets, err := h.meta.ListBuckets(ctx, h.ownerID)
	if err != nil {
		slog.Error("ListBuckets error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlBuckets := make([]xmlutil.Bucket, 0, len(buckets))
	for _, b := range buckets {
		xmlBuckets = append(xmlBuckets, xmlutil.Bucket{
			Name:         b.Name,
			CreationDate: xmlutil.FormatTimeS3(b.CreatedAt),
		})
	}

	xmlutil.RenderListBuckets(w, &xmlutil.ListAllMyBucketsResult{
		Owner:   xmlutil.Owner{ID: h.ownerID, DisplayName: h.ownerDisplay},
		Buckets: xmlBuckets,
	})
}

// CreateBucket handles PUT /{bucket}. Recreating a bucket you already own
// is not an error (S3's us-east-1 BucketAlreadyOwnedByYou behavior, which
// BleepStore applies uniformly since it has exactly one owner identity).
func (h *BucketHandler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)

	if errMsg := validateBucketName(bucketName); errMsg != "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidBucketName)
		return
	}

	existing, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("CreateBucket GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if existing != nil {
		if existing.OwnerID == h.ownerID {
			h.respondCreated(w, bucketName)
			return
		}
		xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketAlreadyExists)
		return
	}

	record := &metadata.BucketRecord{
		Name:         bucketName,
		Region:       h.resolveCreateRegion(r),
		OwnerID:      h.ownerID,
		OwnerDisplay: h.ownerDisplay,
		ACL:          aclToJSON(parseCannedACL(r.Header.Get("x-amz-acl"), h.ownerID, h.ownerDisplay)),
		CreatedAt:    time.Now().UTC(),
	}

	if err := h.meta.CreateBucket(ctx, record); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			// Lost the create race to a concurrent request for the same name.
			h.respondCreated(w, bucketName)
			return
		}
		slog.Error("CreateBucket metadata error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if err := h.store.CreateBucket(ctx, bucketName); err != nil {
		// Metadata already committed; the directory is created lazily on
		// the first object write, so this is not fatal.
		slog.Error("CreateBucket storage error", "error", err)
	}

	h.respondCreated(w, bucketName)
}

func (h *BucketHandler) respondCreated(w http.ResponseWriter, bucketName string) {
	w.Header().Set("Location", "/"+bucketName)
	w.WriteHeader(http.StatusOK)
}

// resolveCreateRegion reads an optional CreateBucketConfiguration body,
// falling back to the server's configured default region.
func (h *BucketHandler) resolveCreateRegion(r *http.Request) string {
	if r.ContentLength <= 0 && r.Header.Get("Content-Length") == "" {
		return h.region
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(body) == 0 {
		return h.region
	}
	var config struct {
		XMLName            xml.Name `xml:"CreateBucketConfiguration"`
		LocationConstraint string   `xml:"LocationConstraint"`
	}
	if xml.Unmarshal(body, &config) != nil || config.LocationConstraint == "" {
		return h.region
	}
	return config.LocationConstraint
}

// DeleteBucket handles DELETE /{bucket}. The metadata store enforces that
// the bucket is empty before removing its record.
func (h *BucketHandler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)

	if err := h.meta.DeleteBucket(ctx, bucketName); err != nil {
		switch {
		case strings.Contains(err.Error(), "not found"):
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		case strings.Contains(err.Error(), "not empty"):
			xmlutil.WriteErrorResponse(w, r, s3err.ErrBucketNotEmpty)
		default:
			slog.Error("DeleteBucket error", "error", err)
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		}
		return
	}

	if err := h.store.DeleteBucket(ctx, bucketName); err != nil {
		slog.Error("DeleteBucket storage cleanup error", "error", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// HeadBucket handles HEAD /{bucket}: existence check, no body.
func (h *BucketHandler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	bucket, err := h.meta.GetBucket(r.Context(), extractBucketName(r))
	if err != nil {
		slog.Error("HeadBucket error", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if bucket == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("x-amz-bucket-region", bucket.Region)
	w.WriteHeader(http.StatusOK)
}

// GetBucketLocation handles GET /{bucket}?location.
func (h *BucketHandler) GetBucketLocation(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	bucket, ok := h.fetchBucket(r.Context(), w, r, "GetBucketLocation", extractBucketName(r))
	if !ok {
		return
	}

	// us-east-1 is the classic region: LocationConstraint is empty for it.
	location := bucket.Region
	if location == "us-east-1" {
		location = ""
	}
	xmlutil.RenderLocationConstraint(w, location)
}

// GetBucketAcl handles GET /{bucket}?acl.
func (h *BucketHandler) GetBucketAcl(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	bucket, ok := h.fetchBucket(r.Context(), w, r, "GetBucketAcl", extractBucketName(r))
	if !ok {
		return
	}

	acp := aclFromJSON(bucket.ACL)
	if acp == nil {
		acp = parseCannedACL("private", bucket.OwnerID, bucket.OwnerDisplay)
	}
	acp.Owner = xmlutil.Owner{ID: bucket.OwnerID, DisplayName: bucket.OwnerDisplay}

	xmlutil.RenderAccessControlPolicy(w, acp)
}

// PutBucketAcl handles PUT /{bucket}?acl. A canned x-amz-acl header wins
// over an AccessControlPolicy XML body; absent both, the ACL resets to
// private.
func (h *BucketHandler) PutBucketAcl(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucket, ok := h.fetchBucket(ctx, w, r, "PutBucketAcl", extractBucketName(r))
	if !ok {
		return
	}

	acp, err := h.parseBucketACLRequest(r, bucket)
	if err != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}

	if err := h.meta.UpdateBucketAcl(ctx, bucket.Name, aclToJSON(acp)); err != nil {
		slog.Error("PutBucketAcl update error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *BucketHandler) parseBucketACLRequest(r *http.Request, bucket *metadata.BucketRecord) (*xmlutil.AccessControlPolicy, error) {
	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		return parseCannedACL(canned, bucket.OwnerID, bucket.OwnerDisplay), nil
	}
	if r.ContentLength <= 0 {
		return parseCannedACL("private", bucket.OwnerID, bucket.OwnerDisplay), nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	acp := &xmlutil.AccessControlPolicy{}
	if err := xml.Unmarshal(body, acp); err != nil {
		return nil, err
	}
	return acp, nil
}
