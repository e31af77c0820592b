package service

import "testing"

func TestMediaSignVerify(t *testing.T) {
	key := "test-key"
	path := "downloads/2026/10/19/abc-a.png"
	query := "download=a.png"
	expires := int64(1700000000)

	signature := SignMediaURL(path, query, expires, key)
	if signature == "" {
		t.Fatal("签名为空")
	}
	if !VerifyMediaURL(path, query, expires, signature, key) {
		t.Fatal("签名校验失败")
	}
	if VerifyMediaURL(path, "download=b.png", expires, signature, key) {
		t.Fatal("签名参数不同仍然通过")
	}
	if VerifyMediaURL(path, query, expires+1, signature, key) {
		t.Fatal("签名过期时间被篡改仍然通过")
	}
	if VerifyMediaURL(path, query, expires, signature, "other-key") {
		t.Fatal("密钥不同仍然通过")
	}
}

func TestMediaSignWithEmptyKey(t *testing.T) {
	if SignMediaURL("a.png", "", 1, "") != "" {
		t.Fatalf("空密钥不应生成签名")
	}
	if VerifyMediaURL("a.png", "", 1, "sig", "") {
		t.Fatalf("空密钥不应通过校验")
	}
}
