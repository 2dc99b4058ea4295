// Package xmlutil renders and parses the XML documents the S3 wire
// protocol uses for request bodies and responses.
package xmlutil

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	s3err "github.com/bleepstoreio/bleepstore/internal/errors"
)

const (
	// s3NS is the namespace S3 stamps on every success response's root
	// element. Error documents carry no namespace at all.
	s3NS = "http://s3.amazonaws.com/doc/2006-03-01/"

	xmlDecl = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"
)

// --- shared building blocks -------------------------------------------

// Owner names a bucket or object owner; it appears unchanged across most
// response documents.
type Owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

// CommonPrefix is one rolled-up "directory" entry produced by a delimited listing.
type CommonPrefix struct {
	Prefix string `xml:"Prefix"`
}

// Grantee is the entity on the receiving end of an ACL Grant. S3 clients
// expect an xsi:type attribute naming whether it's a CanonicalUser or a
// Group URI, which encoding/xml's struct tags can't express directly, so
// Grantee carries its own Marshal/Unmarshal.
type Grantee struct {
	XMLName     xml.Name `xml:"Grantee"`
	Type        string   `xml:"-"`
	ID          string   `xml:"ID,omitempty"`
	DisplayName string   `xml:"DisplayName,omitempty"`
	URI         string   `xml:"URI,omitempty"`
}

func (g Grantee) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Name = xml.Name{Local: "Grantee"}
	start.Attr = []xml.Attr{
		{Name: xml.Name{Local: "xmlns:xsi"}, Value: "http://www.w3.org/2001/XMLSchema-instance"},
		{Name: xml.Name{Local: "xsi:type"}, Value: g.Type},
	}
	return e.EncodeElement(granteeBody{ID: g.ID, DisplayName: g.DisplayName, URI: g.URI}, start)
}

func (g *Grantee) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		if attr.Name.Local == "type" {
			g.Type = attr.Value
		}
	}
	var body granteeBody
	if err := d.DecodeElement(&body, &start); err != nil {
		return err
	}
	g.ID, g.DisplayName, g.URI = body.ID, body.DisplayName, body.URI
	return nil
}

// granteeBody is Grantee's child-element shape, factored out so
// Marshal/UnmarshalXML can delegate to the default encoder/decoder instead
// of hand-writing each field.
type granteeBody struct {
	ID          string `xml:"ID,omitempty"`
	DisplayName string `xml:"DisplayName,omitempty"`
	URI         string `xml:"URI,omitempty"`
}

// Grant pairs a Grantee with the permission it was given.
type Grant struct {
	Grantee    Grantee `xml:"Grantee"`
	Permission string  `xml:"Permission"`
}

// ACL is the grant list embedded in an AccessControlPolicy document.
type ACL struct {
	Grants []Grant `xml:"Grant"`
}

// --- bucket listing ------------------------------------------------------

type Bucket struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

type ListAllMyBucketsResult struct {
	XMLName xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListAllMyBucketsResult"`
	Owner   Owner    `xml:"Owner"`
	Buckets []Bucket `xml:"Buckets>Bucket"`
}

type LocationConstraint struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ LocationConstraint"`
	Location string   `xml:",chardata"`
}

type AccessControlPolicy struct {
	XMLName           xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ AccessControlPolicy"`
	Owner             Owner    `xml:"Owner"`
	AccessControlList ACL      `xml:"AccessControlList"`
}

// --- object listing --------------------------------------------------------

type Object struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
	Owner        *Owner `xml:"Owner,omitempty"`
}

// ListBucketResult answers ListObjects (v1): marker/next-marker pagination.
type ListBucketResult struct {
	XMLName        xml.Name       `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Marker         string         `xml:"Marker"`
	NextMarker     string         `xml:"NextMarker,omitempty"`
	MaxKeys        int            `xml:"MaxKeys"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	EncodingType   string         `xml:"EncodingType,omitempty"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []Object       `xml:"Contents"`
	CommonPrefixes []CommonPrefix `xml:"CommonPrefixes"`
}

// ListBucketV2Result answers ListObjectsV2: continuation-token pagination.
// It shares its root element name with ListBucketResult; S3 tells the two
// apart only by which query parameters the request used.
type ListBucketV2Result struct {
	XMLName               xml.Name       `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListBucketResult"`
	Name                  string         `xml:"Name"`
	Prefix                string         `xml:"Prefix"`
	StartAfter            string         `xml:"StartAfter,omitempty"`
	ContinuationToken     string         `xml:"ContinuationToken,omitempty"`
	NextContinuationToken string         `xml:"NextContinuationToken,omitempty"`
	KeyCount              int            `xml:"KeyCount"`
	MaxKeys               int            `xml:"MaxKeys"`
	Delimiter             string         `xml:"Delimiter,omitempty"`
	EncodingType          string         `xml:"EncodingType,omitempty"`
	IsTruncated           bool           `xml:"IsTruncated"`
	Contents              []Object       `xml:"Contents"`
	CommonPrefixes        []CommonPrefix `xml:"CommonPrefixes"`
}

// --- single-object operations ----------------------------------------------

type CopyObjectResult struct {
	XMLName      xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ CopyObjectResult"`
	LastModified string   `xml:"LastModified"`
	ETag         string   `xml:"ETag"`
}

// DeleteRequest is the body of a POST ?delete (multi-object delete) call.
type DeleteRequest struct {
	XMLName xml.Name           `xml:"Delete"`
	Quiet   bool               `xml:"Quiet"`
	Objects []DeleteRequestObj `xml:"Object"`
}

type DeleteRequestObj struct {
	Key string `xml:"Key"`
}

type DeletedItem struct {
	Key string `xml:"Key"`
}

type DeleteError struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

type DeleteResult struct {
	XMLName xml.Name      `xml:"http://s3.amazonaws.com/doc/2006-03-01/ DeleteResult"`
	Deleted []DeletedItem `xml:"Deleted"`
	Errors  []DeleteError `xml:"Error"`
}

// --- multipart upload lifecycle --------------------------------------------

type InitiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type CompleteMultipartUploadResult struct {
	XMLName  xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

type CopyPartResult struct {
	XMLName      xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ CopyPartResult"`
	ETag         string   `xml:"ETag"`
	LastModified string   `xml:"LastModified"`
}

type Part struct {
	PartNumber   int    `xml:"PartNumber"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
}

type ListPartsResult struct {
	XMLName              xml.Name `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListPartsResult"`
	Bucket               string   `xml:"Bucket"`
	Key                  string   `xml:"Key"`
	UploadID             string   `xml:"UploadId"`
	PartNumberMarker     int      `xml:"PartNumberMarker"`
	NextPartNumberMarker int      `xml:"NextPartNumberMarker"`
	MaxParts             int      `xml:"MaxParts"`
	IsTruncated          bool     `xml:"IsTruncated"`
	Parts                []Part   `xml:"Part"`
}

type Upload struct {
	Key       string `xml:"Key"`
	UploadID  string `xml:"UploadId"`
	Initiator Owner  `xml:"Initiator"`
	Owner     Owner  `xml:"Owner"`
	Initiated string `xml:"Initiated"`
}

type ListMultipartUploadsResult struct {
	XMLName            xml.Name       `xml:"http://s3.amazonaws.com/doc/2006-03-01/ ListMultipartUploadsResult"`
	Bucket             string         `xml:"Bucket"`
	KeyMarker          string         `xml:"KeyMarker"`
	UploadIDMarker     string         `xml:"UploadIdMarker"`
	NextKeyMarker      string         `xml:"NextKeyMarker"`
	NextUploadIDMarker string         `xml:"NextUploadIdMarker"`
	MaxUploads         int            `xml:"MaxUploads"`
	EncodingType       string         `xml:"EncodingType,omitempty"`
	IsTruncated        bool           `xml:"IsTruncated"`
	Uploads            []Upload       `xml:"Upload"`
	CommonPrefixes     []CommonPrefix `xml:"CommonPrefixes"`
}

// --- error responses ---------------------------------------------------

// ErrorResponse is the <Error> document every failed S3 call returns.
// Unlike success documents it carries no xmlns.
type ErrorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource,omitempty"`
	RequestID string   `xml:"RequestId"`
}

// RenderError writes s3Err as an <Error> document, tagging it with the
// x-amz-request-id the common-headers middleware already stamped on w and
// the resource path the caller supplies.
func RenderError(w http.ResponseWriter, r *http.Request, s3Err *s3err.S3Error, resource string) {
	render(w, s3Err.HTTPStatus, ErrorResponse{
		Code:      s3Err.Code,
		Message:   s3Err.Message,
		Resource:  resource,
		RequestID: w.Header().Get("x-amz-request-id"),
	})
}

// WriteErrorResponse renders s3Err using the request's own path as the
// offending resource — the common case for every handler error exit.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, s3Err *s3err.S3Error) {
	RenderError(w, r, s3Err, r.URL.Path)
}

// --- success response renderers --------------------------------------------
//
// Every handler success path ends in a 200 with one XML document; these are
// thin, uniformly-named wrappers around render so call sites stay
// self-documenting about which response shape they're producing.

func RenderListBuckets(w http.ResponseWriter, result *ListAllMyBucketsResult) {
	render(w, http.StatusOK, result)
}

func RenderListObjects(w http.ResponseWriter, result *ListBucketResult) {
	render(w, http.StatusOK, result)
}

func RenderListObjectsV2(w http.ResponseWriter, result *ListBucketV2Result) {
	render(w, http.StatusOK, result)
}

func RenderCopyObject(w http.ResponseWriter, result *CopyObjectResult) {
	render(w, http.StatusOK, result)
}

func RenderInitiateMultipartUpload(w http.ResponseWriter, result *InitiateMultipartUploadResult) {
	render(w, http.StatusOK, result)
}

func RenderCompleteMultipartUpload(w http.ResponseWriter, result *CompleteMultipartUploadResult) {
	render(w, http.StatusOK, result)
}

func RenderListParts(w http.ResponseWriter, result *ListPartsResult) {
	render(w, http.StatusOK, result)
}

func RenderListMultipartUploads(w http.ResponseWriter, result *ListMultipartUploadsResult) {
	render(w, http.StatusOK, result)
}

func RenderCopyPartResult(w http.ResponseWriter, result *CopyPartResult) {
	render(w, http.StatusOK, result)
}

func RenderDeleteResult(w http.ResponseWriter, result *DeleteResult) {
	render(w, http.StatusOK, result)
}

func RenderLocationConstraint(w http.ResponseWriter, location string) {
	render(w, http.StatusOK, LocationConstraint{Location: location})
}

func RenderAccessControlPolicy(w http.ResponseWriter, acp *AccessControlPolicy) {
	render(w, http.StatusOK, acp)
}

// --- time and key formatting -------------------------------------------

// FormatTimeS3 renders t as the millisecond-precision ISO 8601 timestamp
// S3 uses in LastModified/Initiated/CreationDate fields.
func FormatTimeS3(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// FormatTimeHTTP renders t as an RFC 7231 HTTP date, used in the
// Last-Modified response header.
func FormatTimeHTTP(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}

// EncodeKeyURL applies URL encoding to key when encodingType is "url" (the
// only encoding-type ListObjects/ListMultipartUploads support), and returns
// key unchanged otherwise.
func EncodeKeyURL(key string, encodingType string) string {
	if encodingType != "url" {
		return key
	}
	return url.QueryEscape(key)
}

// render writes v as an XML document with the given status, preceded by the
// standard XML declaration. encoding/xml never fails on the types in this
// package, so an encode error here means something more fundamental broke;
// it's surfaced as an HTML comment rather than panicking mid-response.
func render(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	io.WriteString(w, xmlDecl)
	if err := xml.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(w, "<!-- XML encoding error: %v -->", err)
	}
}
