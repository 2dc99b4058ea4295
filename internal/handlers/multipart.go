package handlers

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bleepstoreio/bleepstore/internal/auth"
	s3err "github.com/bleepstoreio/bleepstore/internal/errors"
	"github.com/bleepstoreio/bleepstore/internal/metadata"
	"github.com/bleepstoreio/bleepstore/internal/storage"
	"github.com/bleepstoreio/bleepstore/internal/xmlutil"
)

// minPartSize is the smallest size S3 allows for a non-final part of a
// multipart upload.
const minPartSize = 5 * 1024 * 1024

// MultipartHandler implements the multipart upload lifecycle: initiate,
// upload/copy parts, complete, abort, and the two listing operations.
type MultipartHandler struct {
	meta          metadata.MetadataStore
	store         storage.StorageBackend
	ownerID       string
	ownerDisplay  string
	maxObjectSize int64
}

// NewMultipartHandler wires a MultipartHandler to its metadata store,
// storage backend, the server's fixed owner identity, and the per-part
// size ceiling.
func NewMultipartHandler(meta metadata.MetadataStore, store storage.StorageBackend, ownerID, ownerDisplay string, maxObjectSize int64) *MultipartHandler {
	return &MultipartHandler{
		meta:          meta,
		store:         store,
		ownerID:       ownerID,
		ownerDisplay:  ownerDisplay,
		maxObjectSize: maxObjectSize,
	}
}

// requireUpload fetches an in-progress upload, or writes NoSuchUpload /
// InternalError when it can't be used.
func (h *MultipartHandler) requireUpload(r *http.Request, w http.ResponseWriter, op, bucket, key, uploadID string) (*metadata.MultipartUploadRecord, bool) {
	upload, err := h.meta.GetMultipartUpload(r.Context(), bucket, key, uploadID)
	if err != nil {
		slog.Error(op+" GetMultipartUpload error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return nil, false
	}
	if upload == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
		return nil, false
	}
	return upload, true
}

// parsePartNumber validates the partNumber query parameter against S3's
// 1-10000 range.
func parsePartNumber(q url.Values) (int, bool) {
	n, err := strconv.Atoi(q.Get("partNumber"))
	return n, err == nil && n >= 1 && n <= 10000
}

// CreateMultipartUpload handles POST /{bucket}/{object}?uploads.
func (h *MultipartHandler) CreateMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	if key == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("CreateMultipartUpload GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	ownerID, ownerDisplay := h.ownerID, h.ownerDisplay
	if ctxOwner, ctxDisplay := auth.OwnerFromContext(ctx); ctxOwner != "" {
		ownerID, ownerDisplay = ctxOwner, ctxDisplay
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var aclJSON = defaultPrivateACL(ownerID, ownerDisplay)
	if canned := r.Header.Get("x-amz-acl"); canned != "" {
		aclJSON = aclToJSON(parseCannedACL(canned, ownerID, ownerDisplay))
	}

	uploadID, err := h.meta.CreateMultipartUpload(ctx, &metadata.MultipartUploadRecord{
		Bucket:             bucketName,
		Key:                key,
		ContentType:        contentType,
		ContentEncoding:    r.Header.Get("Content-Encoding"),
		ContentLanguage:    r.Header.Get("Content-Language"),
		ContentDisposition: r.Header.Get("Content-Disposition"),
		CacheControl:       r.Header.Get("Cache-Control"),
		Expires:            r.Header.Get("Expires"),
		StorageClass:       "STANDARD",
		ACL:                aclJSON,
		UserMetadata:       extractUserMetadata(r),
		OwnerID:            ownerID,
		OwnerDisplay:       ownerDisplay,
		InitiatedAt:        time.Now().UTC(),
	})
	if err != nil {
		slog.Error("CreateMultipartUpload metadata error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderInitiateMultipartUpload(w, &xmlutil.InitiateMultipartUploadResult{
		Bucket:   bucketName,
		Key:      key,
		UploadID: uploadID,
	})
}

// UploadPart handles PUT /{bucket}/{object}?partNumber=N&uploadId=ID,
// dispatching to uploadPartCopy when an X-Amz-Copy-Source header is
// present — UploadPartCopy is the same operation sourced from an
// existing object rather than the request body.
func (h *MultipartHandler) UploadPart(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	if r.Header.Get("X-Amz-Copy-Source") != "" {
		h.uploadPartCopy(w, r)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	partNumber, validPart := parsePartNumber(q)
	if uploadID == "" || !validPart {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}
	if h.maxObjectSize > 0 && r.ContentLength > h.maxObjectSize {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrEntityTooLarge)
		return
	}

	if _, ok := h.requireUpload(r, w, "UploadPart", bucketName, key, uploadID); !ok {
		return
	}

	etag, err := h.store.PutPart(ctx, bucketName, key, uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		slog.Error("UploadPart storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	partSize := r.ContentLength
	if partSize < 0 {
		partSize = 0
	}

	if err := h.meta.PutPart(ctx, &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         partSize,
		ETag:         etag,
		LastModified: time.Now().UTC(),
	}); err != nil {
		slog.Error("UploadPart metadata error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// uploadPartCopy handles UploadPartCopy: a part sourced by copying a byte
// range (or the whole object) from an existing object instead of the
// request body.
func (h *MultipartHandler) uploadPartCopy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	partNumber, validPart := parsePartNumber(q)
	if uploadID == "" || !validPart {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	srcBucket, srcKey, ok := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if !ok {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, ok := h.requireUpload(r, w, "UploadPartCopy", bucketName, key, uploadID); !ok {
		return
	}

	srcBucketRec, err := h.meta.GetBucket(ctx, srcBucket)
	if err != nil {
		slog.Error("UploadPartCopy GetBucket (src) error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if srcBucketRec == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	srcObj, err := h.meta.GetObject(ctx, srcBucket, srcKey)
	if err != nil {
		slog.Error("UploadPartCopy GetObject (src) error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if srcObj == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchKey)
		return
	}

	reader, _, _, err := h.store.GetObject(ctx, srcBucket, srcKey)
	if err != nil {
		slog.Error("UploadPartCopy GetObject storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	defer reader.Close()

	partReader, partSize, rangeErr := sliceCopySource(reader, srcObj.Size, r.Header.Get("X-Amz-Copy-Source-Range"))
	if rangeErr != nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidRange)
		return
	}

	etag, err := h.store.PutPart(ctx, bucketName, key, uploadID, partNumber, partReader, -1)
	if err != nil {
		slog.Error("UploadPartCopy storage error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	now := time.Now().UTC()
	if err := h.meta.PutPart(ctx, &metadata.PartRecord{
		UploadID:     uploadID,
		PartNumber:   partNumber,
		Size:         partSize,
		ETag:         etag,
		LastModified: now,
	}); err != nil {
		slog.Error("UploadPartCopy metadata error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderCopyPartResult(w, &xmlutil.CopyPartResult{
		ETag:         etag,
		LastModified: xmlutil.FormatTimeS3(now),
	})
}

// sliceCopySource applies an optional CopySourceRange to reader, seeking
// past the skipped prefix when the reader supports it and discarding it
// otherwise. Returns the slice to copy and its byte length.
func sliceCopySource(reader io.ReadCloser, srcSize int64, copyRange string) (io.Reader, int64, error) {
	if copyRange == "" {
		return reader, srcSize, nil
	}

	start, end, err := parseRange(copyRange, srcSize)
	if err != nil {
		return nil, 0, err
	}

	if seeker, ok := reader.(io.ReadSeeker); ok {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return nil, 0, err
		}
	} else if _, err := io.CopyN(io.Discard, reader, start); err != nil {
		return nil, 0, err
	}

	rangeLen := end - start + 1
	return io.LimitReader(reader, rangeLen), rangeLen, nil
}

// CompleteMultipartUpload handles POST /{bucket}/{object}?uploadId=ID:
// validates the requested part list against what was actually uploaded,
// then asks the storage backend to assemble them into one object.
func (h *MultipartHandler) CompleteMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	upload, ok := h.requireUpload(r, w, "CompleteMultipartUpload", bucketName, key, uploadID)
	if !ok {
		return
	}

	parts, err := parseCompleteMultipartXML(r.Body)
	if err != nil || len(parts) == 0 {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrMalformedXML)
		return
	}
	for i := 1; i < len(parts); i++ {
		if parts[i].PartNumber <= parts[i-1].PartNumber {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidPartOrder)
			return
		}
	}

	partNumbers := make([]int, len(parts))
	for i, p := range parts {
		partNumbers[i] = p.PartNumber
	}
	storedParts, err := h.meta.GetPartsForCompletion(ctx, uploadID, partNumbers)
	if err != nil {
		slog.Error("CompleteMultipartUpload GetPartsForCompletion error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	storedMap := make(map[int]metadata.PartRecord, len(storedParts))
	for _, sp := range storedParts {
		storedMap[sp.PartNumber] = sp
	}

	if s3Err := validateCompletionParts(parts, storedMap); s3Err != nil {
		xmlutil.WriteErrorResponse(w, r, s3Err)
		return
	}

	compositeETag, err := h.store.AssembleParts(ctx, bucketName, key, uploadID, partNumbers)
	if err != nil {
		slog.Error("CompleteMultipartUpload AssembleParts error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	var totalSize int64
	for _, p := range parts {
		totalSize += storedMap[p.PartNumber].Size
	}

	obj := &metadata.ObjectRecord{
		Bucket:             bucketName,
		Key:                key,
		Size:               totalSize,
		ETag:               compositeETag,
		ContentType:        upload.ContentType,
		ContentEncoding:    upload.ContentEncoding,
		ContentLanguage:    upload.ContentLanguage,
		ContentDisposition: upload.ContentDisposition,
		CacheControl:       upload.CacheControl,
		Expires:            upload.Expires,
		StorageClass:       upload.StorageClass,
		ACL:                upload.ACL,
		UserMetadata:       upload.UserMetadata,
		LastModified:       time.Now().UTC(),
	}

	if err := h.meta.CompleteMultipartUpload(ctx, bucketName, key, uploadID, obj); err != nil {
		slog.Error("CompleteMultipartUpload metadata error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	xmlutil.RenderCompleteMultipartUpload(w, &xmlutil.CompleteMultipartUploadResult{
		Location: fmt.Sprintf("/%s/%s", bucketName, key),
		Bucket:   bucketName,
		Key:      key,
		ETag:     compositeETag,
	})
}

// validateCompletionParts checks that every requested part was actually
// uploaded, its ETag matches, and only the final part is allowed to be
// smaller than the minimum part size.
func validateCompletionParts(parts []CompletePart, stored map[int]metadata.PartRecord) *s3err.S3Error {
	for i, p := range parts {
		rec, ok := stored[p.PartNumber]
		if !ok || strings.Trim(p.ETag, `"`) != strings.Trim(rec.ETag, `"`) {
			return s3err.ErrInvalidPart
		}
		if i < len(parts)-1 && rec.Size < minPartSize {
			return s3err.ErrEntityTooSmall
		}
	}
	return nil
}

// AbortMultipartUpload handles DELETE /{bucket}/{object}?uploadId=ID.
// Part blobs are removed best-effort; metadata deletion is authoritative.
func (h *MultipartHandler) AbortMultipartUpload(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil || h.store == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, ok := h.requireUpload(r, w, "AbortMultipartUpload", bucketName, key, uploadID); !ok {
		return
	}

	if err := h.store.DeleteParts(ctx, bucketName, key, uploadID); err != nil {
		slog.Error("AbortMultipartUpload storage error", "error", err)
	}

	if err := h.meta.AbortMultipartUpload(ctx, bucketName, key, uploadID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchUpload)
			return
		}
		slog.Error("AbortMultipartUpload metadata error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func intQueryParam(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed < 0 {
		return def
	}
	return parsed
}

// ListMultipartUploads handles GET /{bucket}?uploads.
func (h *MultipartHandler) ListMultipartUploads(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	ctx := r.Context()
	bucketName := extractBucketName(r)
	q := r.URL.Query()

	bucket, err := h.meta.GetBucket(ctx, bucketName)
	if err != nil {
		slog.Error("ListMultipartUploads GetBucket error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}
	if bucket == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrNoSuchBucket)
		return
	}

	keyMarker := q.Get("key-marker")
	uploadIDMarker := q.Get("upload-id-marker")
	maxUploads := intQueryParam(q, "max-uploads", 1000)

	listResult, err := h.meta.ListMultipartUploads(ctx, bucketName, metadata.ListUploadsOptions{
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		Prefix:         q.Get("prefix"),
		Delimiter:      q.Get("delimiter"),
		MaxUploads:     maxUploads,
	})
	if err != nil {
		slog.Error("ListMultipartUploads error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListMultipartUploadsResult{
		Bucket:             bucketName,
		KeyMarker:          keyMarker,
		UploadIDMarker:     uploadIDMarker,
		MaxUploads:         maxUploads,
		IsTruncated:        listResult.IsTruncated,
		NextKeyMarker:      listResult.NextKeyMarker,
		NextUploadIDMarker: listResult.NextUploadIDMarker,
	}
	for _, u := range listResult.Uploads {
		owner := xmlutil.Owner{ID: u.OwnerID, DisplayName: u.OwnerDisplay}
		result.Uploads = append(result.Uploads, xmlutil.Upload{
			Key:       u.Key,
			UploadID:  u.UploadID,
			Initiator: owner,
			Owner:     owner,
			Initiated: xmlutil.FormatTimeS3(u.InitiatedAt),
		})
	}
	for _, cp := range listResult.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, xmlutil.CommonPrefix{Prefix: cp})
	}

	xmlutil.RenderListMultipartUploads(w, result)
}

// ListParts handles GET /{bucket}/{object}?uploadId=ID.
func (h *MultipartHandler) ListParts(w http.ResponseWriter, r *http.Request) {
	if h.meta == nil {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	bucketName := extractBucketName(r)
	key := extractObjectKey(r)
	q := r.URL.Query()

	uploadID := q.Get("uploadId")
	if uploadID == "" {
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInvalidArgument)
		return
	}

	if _, ok := h.requireUpload(r, w, "ListParts", bucketName, key, uploadID); !ok {
		return
	}

	partNumberMarker := intQueryParam(q, "part-number-marker", 0)
	maxParts := intQueryParam(q, "max-parts", 1000)

	listResult, err := h.meta.ListParts(r.Context(), uploadID, metadata.ListPartsOptions{
		PartNumberMarker: partNumberMarker,
		MaxParts:         maxParts,
	})
	if err != nil {
		slog.Error("ListParts error", "error", err)
		xmlutil.WriteErrorResponse(w, r, s3err.ErrInternalError)
		return
	}

	result := &xmlutil.ListPartsResult{
		Bucket:               bucketName,
		Key:                  key,
		UploadID:             uploadID,
		PartNumberMarker:     partNumberMarker,
		NextPartNumberMarker: listResult.NextPartNumberMarker,
		MaxParts:             maxParts,
		IsTruncated:          listResult.IsTruncated,
	}
	for _, p := range listResult.Parts {
		result.Parts = append(result.Parts, xmlutil.Part{
			PartNumber:   p.PartNumber,
			LastModified: xmlutil.FormatTimeS3(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}

	xmlutil.RenderListParts(w, result)
}
