package repository

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// restObjectStore 对接 Storage REST 接口（/storage/v1/object/...）。
type restObjectStore struct {
	client *postgrestClient
	bucket string
}

func newRESTObjectStore(client *postgrestClient, bucket string) *restObjectStore {
	return &restObjectStore{client: client, bucket: strings.Trim(bucket, "/")}
}

func (s *restObjectStore) Put(ctx context.Context, objectPath string, body io.Reader, size int64, contentType string) error {
	p, err := cleanObjectPath(objectPath)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	resp, err := s.client.R(ctx).
		SetHeader("Content-Type", contentType).
		SetHeader("x-upsert", "true").
		SetHeader("Cache-Control", "3600").
		SetBody(body).
		Post(s.client.storageURL("object/" + s.bucket + "/" + escapeObjectPath(p)))
	if err != nil {
		return err
	}
	return statusError("put object", resp)
}

// SignedURL 申请签名链接并追加 download 参数，让浏览器以附件方式保存。
func (s *restObjectStore) SignedURL(ctx context.Context, objectPath string, ttl time.Duration, downloadName string) (string, error) {
	p, err := cleanObjectPath(objectPath)
	if err != nil {
		return "", err
	}
	resp, err := s.client.R(ctx).
		SetBodyJsonMarshal(map[string]int64{"expiresIn": int64(math.Ceil(ttl.Seconds()))}).
		Post(s.client.storageURL("object/sign/" + s.bucket + "/" + escapeObjectPath(p)))
	if err != nil {
		return "", err
	}
	if err := statusError("sign object", resp); err != nil {
		return "", err
	}
	signed := gjson.GetBytes(resp.Bytes(), "signedURL").String()
	if signed == "" {
		signed = gjson.GetBytes(resp.Bytes(), "signedUrl").String()
	}
	if signed == "" {
		return "", errors.New("sign object: empty signedURL")
	}
	if !strings.HasPrefix(signed, "http://") && !strings.HasPrefix(signed, "https://") {
		signed = s.client.storageURL(signed)
	}
	return appendQuery(signed, "download", downloadName), nil
}
