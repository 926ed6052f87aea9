package util

import (
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
)

func TestGetVersion(t *testing.T) {
	if GetVersion() == "" {
		t.Error("Version should not be empty")
	}
	if strings.ContainsAny(GetVersion(), "\n ") {
		t.Error("Version should be trimmed")
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "stegofed/") {
		t.Errorf("Unexpected user agent %s", ua)
	}
	if !strings.HasSuffix(ua, "ActivityPub") {
		t.Errorf("User agent should advertise ActivityPub, got %s", ua)
	}
}

func TestGeneratePemKeypair(t *testing.T) {
	pair, err := GeneratePemKeypair(1024)
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}

	privBlock, _ := pem.Decode([]byte(pair.Private))
	if privBlock == nil || privBlock.Type != "RSA PRIVATE KEY" {
		t.Fatal("Private key should be a PKCS1 PEM block")
	}
	priv, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
	if err != nil {
		t.Fatalf("Failed to parse private key: %v", err)
	}

	pubBlock, _ := pem.Decode([]byte(pair.Public))
	if pubBlock == nil || pubBlock.Type != "PUBLIC KEY" {
		t.Fatal("Public key should be a PKIX PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		t.Fatalf("Failed to parse public key: %v", err)
	}

	if !priv.PublicKey.Equal(pub) {
		t.Error("Public key does not belong to private key")
	}
}

func TestPrettyPrint(t *testing.T) {
	out := PrettyPrint(map[string]int{"a": 1})
	if !strings.Contains(out, "\"a\": 1") {
		t.Errorf("Unexpected output %s", out)
	}
}
